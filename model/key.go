package model

import "errors"

var ErrBadDocumentKey = errors.New("document keys have an even number of segments")

// DocumentKey identifies a single document. The path always has an even
// number of segments: collection/doc[/collection/doc...]. Keys are values,
// never mutated.
type DocumentKey struct {
	Path ResourcePath
}

func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if len(path)%2 != 0 || len(path) == 0 {
		return DocumentKey{}, ErrBadDocumentKey
	}
	return DocumentKey{Path: path}, nil
}

func MustDocumentKey(s string) DocumentKey {
	path, err := ParseResourcePath(s)
	if err != nil {
		panic(err)
	}
	key, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

func (k DocumentKey) IsZero() bool {
	return len(k.Path) == 0
}

func (k DocumentKey) String() string {
	return k.Path.String()
}

// CollectionGroup is the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string {
	return k.Path[len(k.Path)-2]
}

func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path.Parent()
}

func (k DocumentKey) DocumentID() string {
	return k.Path.LastSegment()
}

func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

func (k DocumentKey) Compare(other DocumentKey) int {
	return k.Path.Compare(other.Path)
}

func (k DocumentKey) Equal(other DocumentKey) bool {
	return k.Path.Equal(other.Path)
}

func CompareKeys(a, b DocumentKey) int {
	return a.Compare(b)
}

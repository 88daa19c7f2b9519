package index

import (
	"bytes"

	"github.com/drpcorg/docsync/model"
)

// Entry is one row of an index: the encoded directional values plus, for
// a contains index, one encoded array element. The storage layer prefixes
// rows with the index id and suffixes them with the document key.
type Entry struct {
	IndexID          int32
	Key              model.DocumentKey
	ArrayValue       []byte
	DirectionalValue []byte
}

func (e Entry) Compare(other Entry) int {
	if c := cmpInt32(e.IndexID, other.IndexID); c != 0 {
		return c
	}
	if c := bytes.Compare(e.ArrayValue, other.ArrayValue); c != 0 {
		return c
	}
	if c := bytes.Compare(e.DirectionalValue, other.DirectionalValue); c != 0 {
		return c
	}
	return e.Key.Compare(other.Key)
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EntriesForDocument computes the index rows a document contributes to
// one index. A document missing any directional field yields no rows; a
// contains segment yields one row per distinct array element.
func EntriesForDocument(fi *FieldIndex, doc *model.MutableDocument) []Entry {
	directional, ok := encodeDirectional(fi, doc)
	if !ok {
		return nil
	}
	contains, hasContains := fi.Contains()
	if !hasContains {
		return []Entry{{IndexID: fi.IndexID, Key: doc.Key, DirectionalValue: directional}}
	}
	v, ok := doc.Field(contains.Path)
	if !ok || v.Kind != model.KindArray {
		return nil
	}
	var out []Entry
	seen := map[string]bool{}
	for _, el := range v.Arr {
		enc := EncodeValueOrdered(el, false)
		if seen[string(enc)] {
			continue
		}
		seen[string(enc)] = true
		out = append(out, Entry{
			IndexID:          fi.IndexID,
			Key:              doc.Key,
			ArrayValue:       enc,
			DirectionalValue: directional,
		})
	}
	return out
}

func encodeDirectional(fi *FieldIndex, doc *model.MutableDocument) ([]byte, bool) {
	w := NewWriter(false)
	for _, seg := range fi.Directional() {
		v, ok := doc.Field(seg.Path)
		if !ok {
			return nil, false
		}
		sw := NewWriter(seg.Kind == SegmentDescending)
		sw.WriteValue(v)
		w.putRaw(sw.Bytes())
	}
	return w.Bytes(), true
}

package model

// DocumentComparator orders documents for one query's view.
type DocumentComparator func(a, b *MutableDocument) int

// KeyComparator orders documents by key only.
func KeyComparator(a, b *MutableDocument) int {
	return a.Key.Compare(b.Key)
}

// DocumentSet is an immutable ordered set of documents: ordered by the
// view's comparator (key-tiebroken) with O(log n) key lookup.
type DocumentSet struct {
	sorted *SortedMap[*MutableDocument, struct{}]
	index  *SortedMap[DocumentKey, *MutableDocument]
}

func NewDocumentSet(cmp DocumentComparator) DocumentSet {
	tiebroken := func(a, b *MutableDocument) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return a.Key.Compare(b.Key)
	}
	return DocumentSet{
		sorted: NewSortedMap[*MutableDocument, struct{}](tiebroken),
		index:  NewSortedMap[DocumentKey, *MutableDocument](CompareKeys),
	}
}

func (s DocumentSet) Len() int {
	return s.index.Len()
}

func (s DocumentSet) IsEmpty() bool {
	return s.index.Len() == 0
}

func (s DocumentSet) Has(key DocumentKey) bool {
	return s.index.Has(key)
}

func (s DocumentSet) Get(key DocumentKey) (*MutableDocument, bool) {
	return s.index.Get(key)
}

// Add returns a set with doc included, replacing any entry with its key.
func (s DocumentSet) Add(doc *MutableDocument) DocumentSet {
	out := s.Delete(doc.Key)
	return DocumentSet{
		sorted: out.sorted.Insert(doc, struct{}{}),
		index:  out.index.Insert(doc.Key, doc),
	}
}

// Delete returns a set without the document with the given key.
func (s DocumentSet) Delete(key DocumentKey) DocumentSet {
	old, ok := s.index.Get(key)
	if !ok {
		return s
	}
	return DocumentSet{
		sorted: s.sorted.Remove(old),
		index:  s.index.Remove(key),
	}
}

// Ascend walks documents in view order.
func (s DocumentSet) Ascend(fn func(doc *MutableDocument) bool) {
	s.sorted.Ascend(func(d *MutableDocument, _ struct{}) bool { return fn(d) })
}

// Descend walks documents in reverse view order.
func (s DocumentSet) Descend(fn func(doc *MutableDocument) bool) {
	s.sorted.Descend(func(d *MutableDocument, _ struct{}) bool { return fn(d) })
}

func (s DocumentSet) First() (*MutableDocument, bool) {
	d, _, ok := s.sorted.Min()
	return d, ok
}

func (s DocumentSet) Last() (*MutableDocument, bool) {
	d, _, ok := s.sorted.Max()
	return d, ok
}

// IndexOf returns the position of key in view order, or -1.
func (s DocumentSet) IndexOf(key DocumentKey) int {
	if !s.index.Has(key) {
		return -1
	}
	i := 0
	found := -1
	s.Ascend(func(d *MutableDocument) bool {
		if d.Key.Equal(key) {
			found = i
			return false
		}
		i++
		return true
	})
	return found
}

func (s DocumentSet) Docs() []*MutableDocument {
	out := make([]*MutableDocument, 0, s.Len())
	s.Ascend(func(d *MutableDocument) bool {
		out = append(out, d)
		return true
	})
	return out
}

// DocumentMap is an immutable key-ordered map of documents.
type DocumentMap struct {
	m *SortedMap[DocumentKey, *MutableDocument]
}

func NewDocumentMap() DocumentMap {
	return DocumentMap{m: NewSortedMap[DocumentKey, *MutableDocument](CompareKeys)}
}

func (dm DocumentMap) Len() int { return dm.m.Len() }

func (dm DocumentMap) Get(key DocumentKey) (*MutableDocument, bool) {
	return dm.m.Get(key)
}

func (dm DocumentMap) Insert(doc *MutableDocument) DocumentMap {
	return DocumentMap{m: dm.m.Insert(doc.Key, doc)}
}

func (dm DocumentMap) Remove(key DocumentKey) DocumentMap {
	return DocumentMap{m: dm.m.Remove(key)}
}

func (dm DocumentMap) Ascend(fn func(key DocumentKey, doc *MutableDocument) bool) {
	dm.m.Ascend(fn)
}

// KeySet is an immutable ordered set of document keys.
type KeySet struct {
	m *SortedMap[DocumentKey, struct{}]
}

func NewKeySet(keys ...DocumentKey) KeySet {
	s := KeySet{m: NewSortedMap[DocumentKey, struct{}](CompareKeys)}
	for _, k := range keys {
		s = s.Add(k)
	}
	return s
}

func (s KeySet) Len() int { return s.m.Len() }

func (s KeySet) IsEmpty() bool { return s.m.Len() == 0 }

func (s KeySet) Has(key DocumentKey) bool { return s.m.Has(key) }

func (s KeySet) Add(key DocumentKey) KeySet {
	return KeySet{m: s.m.Insert(key, struct{}{})}
}

func (s KeySet) Remove(key DocumentKey) KeySet {
	return KeySet{m: s.m.Remove(key)}
}

func (s KeySet) Ascend(fn func(key DocumentKey) bool) {
	s.m.Ascend(func(k DocumentKey, _ struct{}) bool { return fn(k) })
}

func (s KeySet) Keys() []DocumentKey {
	return s.m.Keys()
}

func (s KeySet) Union(other KeySet) KeySet {
	out := s
	other.Ascend(func(k DocumentKey) bool {
		out = out.Add(k)
		return true
	})
	return out
}

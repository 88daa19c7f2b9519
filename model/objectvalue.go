package model

import "sort"

// ObjectValue is a document's data: a map value with field-path accessors.
// All modification happens through Set/Delete, which keep entries sorted.
type ObjectValue struct {
	root Value
}

func NewObjectValue() ObjectValue {
	return ObjectValue{root: Value{Kind: KindMap}}
}

func ObjectValueOf(v Value) ObjectValue {
	if v.Kind != KindMap {
		return NewObjectValue()
	}
	return ObjectValue{root: v}
}

func (o ObjectValue) Value() Value {
	return o.root
}

func (o ObjectValue) Encode() []byte {
	return o.root.Encode()
}

func DecodeObjectValue(data []byte) (ObjectValue, error) {
	v, _, err := DecodeValue(data)
	if err != nil {
		return ObjectValue{}, err
	}
	return ObjectValueOf(v), nil
}

func findEntry(entries []MapEntry, key string) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
	if i < len(entries) && entries[i].Key == key {
		return i, true
	}
	return i, false
}

// Field returns the value at the field path, descending through nested maps.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	cur := o.root
	for _, seg := range path {
		if cur.Kind != KindMap {
			return Value{}, false
		}
		i, ok := findEntry(cur.Entries, seg)
		if !ok {
			return Value{}, false
		}
		cur = cur.Entries[i].Value
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps and replacing
// non-map intermediates. Returns a structurally fresh ObjectValue.
func (o ObjectValue) Set(path FieldPath, value Value) ObjectValue {
	return ObjectValue{root: setField(o.root, path, &value)}
}

// Delete removes the field at path if present.
func (o ObjectValue) Delete(path FieldPath) ObjectValue {
	return ObjectValue{root: setField(o.root, path, nil)}
}

func setField(node Value, path FieldPath, value *Value) Value {
	if node.Kind != KindMap {
		node = Value{Kind: KindMap}
	}
	seg := path[0]
	entries := make([]MapEntry, len(node.Entries))
	copy(entries, node.Entries)
	i, found := findEntry(entries, seg)

	if len(path) == 1 {
		if value == nil {
			if found {
				entries = append(entries[:i], entries[i+1:]...)
			}
		} else if found {
			entries[i] = MapEntry{Key: seg, Value: *value}
		} else {
			entries = append(entries, MapEntry{})
			copy(entries[i+1:], entries[i:])
			entries[i] = MapEntry{Key: seg, Value: *value}
		}
		return Value{Kind: KindMap, Entries: entries}
	}

	var child Value
	if found {
		child = entries[i].Value
	}
	newChild := setField(child, path[1:], value)
	if found {
		entries[i] = MapEntry{Key: seg, Value: newChild}
	} else {
		entries = append(entries, MapEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = MapEntry{Key: seg, Value: newChild}
	}
	return Value{Kind: KindMap, Entries: entries}
}

// FieldMask lists the leaf field paths present in the object.
func (o ObjectValue) FieldMask() []FieldPath {
	var mask []FieldPath
	collectMask(o.root, nil, &mask)
	return mask
}

func collectMask(node Value, prefix FieldPath, mask *[]FieldPath) {
	for _, e := range node.Entries {
		path := prefix.Child(e.Key)
		if e.Value.Kind == KindMap && len(e.Value.Entries) > 0 {
			collectMask(e.Value, path, mask)
		} else {
			*mask = append(*mask, path)
		}
	}
}

func (o ObjectValue) Equal(other ObjectValue) bool {
	return o.root.Equal(other.root)
}

// Clone returns a deep-enough copy: entries slices are copied on write by
// Set/Delete, so sharing the root is safe.
func (o ObjectValue) Clone() ObjectValue {
	return ObjectValue{root: o.root}
}

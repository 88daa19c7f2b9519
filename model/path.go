package model

import (
	"errors"
	"strings"
)

var ErrBadPath = errors.New("bad path")

// ResourcePath is a slash-separated path in the document tree. Odd-length
// paths name collections, even-length paths name documents.
type ResourcePath []string

func ParseResourcePath(s string) (ResourcePath, error) {
	if s == "" {
		return ResourcePath{}, nil
	}
	segs := strings.Split(s, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, ErrBadPath
		}
	}
	return ResourcePath(segs), nil
}

func (p ResourcePath) String() string {
	return strings.Join(p, "/")
}

func (p ResourcePath) Len() int {
	return len(p)
}

func (p ResourcePath) IsEmpty() bool {
	return len(p) == 0
}

func (p ResourcePath) FirstSegment() string {
	return p[0]
}

func (p ResourcePath) LastSegment() string {
	return p[len(p)-1]
}

// Child returns a copy extended by one segment.
func (p ResourcePath) Child(seg string) ResourcePath {
	out := make(ResourcePath, 0, len(p)+1)
	out = append(out, p...)
	return append(out, seg)
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	return p[:len(p)-1]
}

func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i, seg := range p {
		if other[i] != seg {
			return false
		}
	}
	return true
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

// FieldPath is a dot-separated path inside a document's data.
type FieldPath []string

// KeyFieldPath is the pseudo-field referring to the document's own key;
// orderings on it compare whole documents by key.
var KeyFieldPath = FieldPath{"__name__"}

func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return nil, ErrBadPath
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, ErrBadPath
		}
	}
	return FieldPath(segs), nil
}

func (f FieldPath) String() string {
	return strings.Join(f, ".")
}

func (f FieldPath) IsKeyField() bool {
	return len(f) == 1 && f[0] == KeyFieldPath[0]
}

func (f FieldPath) Child(seg string) FieldPath {
	out := make(FieldPath, 0, len(f)+1)
	out = append(out, f...)
	return append(out, seg)
}

func (f FieldPath) Parent() FieldPath {
	return f[:len(f)-1]
}

func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f) > len(other) {
		return false
	}
	for i, seg := range f {
		if other[i] != seg {
			return false
		}
	}
	return true
}

func (f FieldPath) Equal(other FieldPath) bool {
	return len(f) == len(other) && f.IsPrefixOf(other)
}

func (f FieldPath) Compare(other FieldPath) int {
	n := min(len(f), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(f[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(f) < len(other):
		return -1
	case len(f) > len(other):
		return 1
	default:
		return 0
	}
}

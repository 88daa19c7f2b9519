package model

import "math/rand"

// SortedMap is an immutable ordered map: Insert and Remove return a new map
// sharing structure with the old one, so snapshots are O(1). Implemented as
// a persistent treap; expected O(log n) insert/remove/lookup with stable
// in-order iteration.
type SortedMap[K, V any] struct {
	root *treapNode[K, V]
	size int
	cmp  func(a, b K) int
}

type treapNode[K, V any] struct {
	key         K
	value       V
	prio        uint64
	left, right *treapNode[K, V]
}

func NewSortedMap[K, V any](cmp func(a, b K) int) *SortedMap[K, V] {
	return &SortedMap[K, V]{cmp: cmp}
}

func (m *SortedMap[K, V]) Len() int {
	return m.size
}

func (m *SortedMap[K, V]) IsEmpty() bool {
	return m.size == 0
}

func (m *SortedMap[K, V]) Get(key K) (value V, ok bool) {
	node := m.root
	for node != nil {
		c := m.cmp(key, node.key)
		switch {
		case c < 0:
			node = node.left
		case c > 0:
			node = node.right
		default:
			return node.value, true
		}
	}
	return value, false
}

func (m *SortedMap[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Insert returns a map with key set to value.
func (m *SortedMap[K, V]) Insert(key K, value V) *SortedMap[K, V] {
	root, added := m.insert(m.root, key, value, rand.Uint64())
	size := m.size
	if added {
		size++
	}
	return &SortedMap[K, V]{root: root, size: size, cmp: m.cmp}
}

func (m *SortedMap[K, V]) insert(n *treapNode[K, V], key K, value V, prio uint64) (*treapNode[K, V], bool) {
	if n == nil {
		return &treapNode[K, V]{key: key, value: value, prio: prio}, true
	}
	c := m.cmp(key, n.key)
	if c == 0 {
		cp := *n
		cp.value = value
		return &cp, false
	}
	cp := *n
	var added bool
	if c < 0 {
		cp.left, added = m.insert(n.left, key, value, prio)
		if cp.left.prio > cp.prio {
			return rotateRight(&cp), added
		}
	} else {
		cp.right, added = m.insert(n.right, key, value, prio)
		if cp.right.prio > cp.prio {
			return rotateLeft(&cp), added
		}
	}
	return &cp, added
}

// Remove returns a map without key; the receiver if the key is absent.
func (m *SortedMap[K, V]) Remove(key K) *SortedMap[K, V] {
	if !m.Has(key) {
		return m
	}
	root := m.remove(m.root, key)
	return &SortedMap[K, V]{root: root, size: m.size - 1, cmp: m.cmp}
}

func (m *SortedMap[K, V]) remove(n *treapNode[K, V], key K) *treapNode[K, V] {
	if n == nil {
		return nil
	}
	c := m.cmp(key, n.key)
	cp := *n
	switch {
	case c < 0:
		cp.left = m.remove(n.left, key)
		return &cp
	case c > 0:
		cp.right = m.remove(n.right, key)
		return &cp
	default:
		return mergeNodes(n.left, n.right)
	}
}

func mergeNodes[K, V any](a, b *treapNode[K, V]) *treapNode[K, V] {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.prio > b.prio:
		cp := *a
		cp.right = mergeNodes(a.right, b)
		return &cp
	default:
		cp := *b
		cp.left = mergeNodes(a, b.left)
		return &cp
	}
}

func rotateRight[K, V any](n *treapNode[K, V]) *treapNode[K, V] {
	l := *n.left
	cp := *n
	cp.left = l.right
	l.right = &cp
	return &l
}

func rotateLeft[K, V any](n *treapNode[K, V]) *treapNode[K, V] {
	r := *n.right
	cp := *n
	cp.right = r.left
	r.left = &cp
	return &r
}

// Ascend walks entries in key order until fn returns false.
func (m *SortedMap[K, V]) Ascend(fn func(key K, value V) bool) {
	ascend(m.root, fn)
}

func ascend[K, V any](n *treapNode[K, V], fn func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return ascend(n.left, fn) && fn(n.key, n.value) && ascend(n.right, fn)
}

// AscendFrom walks entries with key >= from in key order.
func (m *SortedMap[K, V]) AscendFrom(from K, fn func(key K, value V) bool) {
	m.ascendFrom(m.root, from, fn)
}

func (m *SortedMap[K, V]) ascendFrom(n *treapNode[K, V], from K, fn func(K, V) bool) bool {
	if n == nil {
		return true
	}
	c := m.cmp(n.key, from)
	if c < 0 {
		return m.ascendFrom(n.right, from, fn)
	}
	return m.ascendFrom(n.left, from, fn) && fn(n.key, n.value) && ascend(n.right, fn)
}

// Descend walks entries in reverse key order until fn returns false.
func (m *SortedMap[K, V]) Descend(fn func(key K, value V) bool) {
	descend(m.root, fn)
}

func descend[K, V any](n *treapNode[K, V], fn func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return descend(n.right, fn) && fn(n.key, n.value) && descend(n.left, fn)
}

// Min returns the smallest entry.
func (m *SortedMap[K, V]) Min() (key K, value V, ok bool) {
	n := m.root
	if n == nil {
		return key, value, false
	}
	for n.left != nil {
		n = n.left
	}
	return n.key, n.value, true
}

// Max returns the largest entry.
func (m *SortedMap[K, V]) Max() (key K, value V, ok bool) {
	n := m.root
	if n == nil {
		return key, value, false
	}
	for n.right != nil {
		n = n.right
	}
	return n.key, n.value, true
}

// Keys returns all keys in order.
func (m *SortedMap[K, V]) Keys() []K {
	out := make([]K, 0, m.size)
	m.Ascend(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

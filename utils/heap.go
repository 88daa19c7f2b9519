package utils

import "golang.org/x/exp/constraints"

// TopK keeps the K smallest elements seen so far; Threshold reports the
// largest of them, i.e. the Kth smallest of the whole stream. Used to find
// an eviction cutoff without sorting every candidate.
type TopK[T constraints.Ordered] struct {
	k   int
	max maxHeap[T]
}

func NewTopK[T constraints.Ordered](k int) *TopK[T] {
	return &TopK[T]{k: k}
}

func (t *TopK[T]) Len() int {
	return t.max.Len()
}

func (t *TopK[T]) Offer(x T) {
	if t.k <= 0 {
		return
	}
	if t.max.Len() < t.k {
		t.max.Push(x)
		return
	}
	if x < t.max.Peek() {
		t.max.Pop()
		t.max.Push(x)
	}
}

// Threshold returns the largest retained element. Call only when Len() > 0.
func (t *TopK[T]) Threshold() T {
	return t.max.Peek()
}

// maxHeap is a plain binary max-heap.
type maxHeap[T constraints.Ordered] struct {
	buf []T
}

func (h *maxHeap[T]) Len() int { return len(h.buf) }

func (h *maxHeap[T]) Peek() T { return h.buf[0] }

func (h *maxHeap[T]) Push(x T) {
	h.buf = append(h.buf, x)
	j := len(h.buf) - 1
	for {
		i := (j - 1) / 2
		if i == j || !(h.buf[i] < h.buf[j]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		j = i
	}
}

func (h *maxHeap[T]) Pop() (max T) {
	max = h.buf[0]
	n := len(h.buf) - 1
	h.buf[0], h.buf[n] = h.buf[n], h.buf[0]
	h.buf = h.buf[:n]
	i := 0
	for {
		j1 := 2*i + 1
		if j1 >= n {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.buf[j1] < h.buf[j2] {
			j = j2
		}
		if !(h.buf[i] < h.buf[j]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		i = j
	}
	return
}

package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[docsync] feed/drain queue is closed")
var ErrOverflow = errors.New("[docsync] feed/drain queue is overflowed")

// FDQueue is a bounded batching queue of byte records. Writers Drain record
// batches in, readers Feed them out in arrival order. A reader blocks until
// at least one record is available or the time limit passes; a writer blocks
// while the queue holds more than maxSize payload bytes.
type FDQueue[T ~[][]byte] struct {
	lock      sync.Mutex
	cond      sync.Cond
	data      T
	size      int
	maxSize   int
	batchSize int
	timelimit time.Duration
	closed    bool
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	q := &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
	}
	q.cond.L = &q.lock
	return q
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.data = nil
	q.size = 0
	q.cond.Broadcast()
	q.lock.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// watch wakes all waiters when either context expires or the deadline hits.
func (q *FDQueue[T]) watch(ctx context.Context, deadline <-chan time.Time, done chan struct{}) {
	select {
	case <-ctx.Done():
	case <-deadline:
	case <-done:
	}
	q.cond.Broadcast()
}

// Drain appends recs to the queue, blocking while the queue is over capacity.
// Returns ErrOverflow if capacity does not free up within the time limit.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	deadline := time.Now().Add(q.timelimit)
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	done := make(chan struct{})
	defer close(done)
	go q.watch(ctx, timer.C, done)

	q.lock.Lock()
	defer q.lock.Unlock()
	for _, rec := range recs {
		for q.size >= q.maxSize {
			if q.closed {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			if !time.Now().Before(deadline) {
				return ErrOverflow
			}
			q.cond.Wait()
		}
		if q.closed {
			return ErrClosed
		}
		q.data = append(q.data, rec)
		q.size += len(rec)
	}
	q.cond.Broadcast()
	return nil
}

// Feed returns the next batch of records, up to batchSize payload bytes.
// Blocks until data arrives, the queue closes, or the time limit passes.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	deadline := time.Now().Add(q.timelimit)
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	done := make(chan struct{})
	defer close(done)
	go q.watch(ctx, timer.C, done)

	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.data) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		q.cond.Wait()
	}
	taken := 0
	payload := 0
	for _, rec := range q.data {
		recs = append(recs, rec)
		payload += len(rec)
		taken++
		if payload >= q.batchSize {
			break
		}
	}
	q.data = q.data[taken:]
	q.size -= payload
	q.cond.Broadcast()
	return recs, nil
}

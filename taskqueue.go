// Package docsync is a client-side persistence and synchronization engine
// for a remote document database: writes apply locally first and sync in
// the background, queries run against the local cache through field
// indexes, and live views stay consistent with the server through the
// watch stream.
package docsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueStopped = errors.New("task queue is stopped")

// TaskQueue serializes engine work onto one goroutine. Stream callbacks,
// user calls and timers all funnel through it, which is what makes the
// engine single-writer without fine-grained locking.
type TaskQueue struct {
	mu      sync.Mutex
	tasks   chan func()
	stopped bool
	done    chan struct{}
}

func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *TaskQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		task()
	}
}

// Enqueue schedules fn; it runs after all previously enqueued work.
func (q *TaskQueue) Enqueue(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	q.tasks <- fn
	return nil
}

// Run enqueues fn and waits for it, returning its error.
func (q *TaskQueue) Run(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if err := q.Enqueue(func() { errCh <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued work and shuts the queue down.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()
	<-q.done
}

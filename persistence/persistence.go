// Package persistence stores the engine's local state: remote documents,
// mutation batches, overlays, targets, field indexes and coordination
// metadata, behind one transactional key-value surface with a durable
// (pebble) and a volatile (in-memory) backend.
package persistence

import (
	"context"
	"sync"

	"github.com/drpcorg/docsync/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Mode declares what a transaction intends to do. PrimaryRequired
// transactions fail fast when another client holds the primary lease.
type Mode byte

const (
	ReadOnly Mode = iota
	ReadWrite
	PrimaryRequired
)

var (
	ErrClosed     = errors.New("persistence is closed")
	ErrNotPrimary = errors.New("client does not hold the primary lease")
	ErrNotFound   = errors.New("row not found")
)

// Tx is one transaction over the ordered key space. Reads observe the
// transaction's own writes. Range visits [lo, hi) in key order; a nil hi
// runs to the end of the space.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Range(lo, hi []byte, fn func(key, value []byte) error) error
	RangeReverse(lo, hi []byte, fn func(key, value []byte) error) error
}

// ErrStopRange aborts a Range scan early without failing the transaction.
var ErrStopRange = errors.New("stop range")

// Backend is a transactional ordered KV store.
type Backend interface {
	Begin(writable bool) (Tx, error)
	Commit(tx Tx) error
	Rollback(tx Tx) error
	Close() error
}

// Persistence owns a backend plus the caches built on it. All
// transactions are serialized; the engine is single-writer.
type Persistence struct {
	mu      sync.Mutex
	backend Backend
	lease   *Lease
	log     utils.Logger
	closed  bool

	txCounter *prometheus.CounterVec
}

func New(backend Backend, lease *Lease, log utils.Logger) *Persistence {
	return &Persistence{
		backend:   backend,
		lease:     lease,
		log:       log,
		txCounter: txTotal,
	}
}

// Run executes fn inside a transaction of the given mode, committing on
// nil error and rolling back otherwise.
func (p *Persistence) Run(ctx context.Context, mode Mode, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if mode == PrimaryRequired && p.lease != nil && !p.lease.IsPrimary() {
		p.txCounter.WithLabelValues("rejected").Inc()
		return ErrNotPrimary
	}
	tx, err := p.backend.Begin(mode != ReadOnly)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	// the flag above is a fast path; another client may have taken the
	// lease since the last heartbeat, so confirm against the stored row
	if mode == PrimaryRequired && p.lease != nil && !p.lease.holdsLease(tx) {
		if rbErr := p.backend.Rollback(tx); rbErr != nil {
			p.log.WarnCtx(ctx, "rollback failed", "error", rbErr)
		}
		p.txCounter.WithLabelValues("rejected").Inc()
		return ErrNotPrimary
	}
	if err := fn(tx); err != nil {
		if rbErr := p.backend.Rollback(tx); rbErr != nil {
			p.log.WarnCtx(ctx, "rollback failed", "error", rbErr)
		}
		p.txCounter.WithLabelValues("aborted").Inc()
		return err
	}
	if err := p.backend.Commit(tx); err != nil {
		p.txCounter.WithLabelValues("failed").Inc()
		return errors.Wrap(err, "commit transaction")
	}
	p.txCounter.WithLabelValues("committed").Inc()
	return nil
}

func (p *Persistence) Lease() *Lease {
	return p.lease
}

func (p *Persistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.lease != nil {
		p.lease.Stop()
	}
	return p.backend.Close()
}

package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/utils"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const (
	// LeaseTTL is how long a heartbeat keeps the lease alive.
	LeaseTTL = 5 * time.Second
	// leaseRefresh is the heartbeat period; well under the TTL so one
	// missed beat does not lose the lease.
	leaseRefresh = 4 * time.Second
	// clientStaleAfter marks a client row, or a liveness file that
	// stopped being touched, dead without a zombie marker.
	clientStaleAfter = 30 * time.Second
)

var ErrBadLeaseRecord = errors.New("bad lease record")

// Lease elects one primary among the clients sharing a store. The
// primary runs the network and garbage collection; everyone else reads.
// A foreground client outbids a backgrounded incumbent, an incumbent
// otherwise keeps the lease while its heartbeats continue.
type Lease struct {
	clientID   string
	backend    Backend
	clk        clock.Clock
	log        utils.Logger
	zombieDir  string
	foreground atomic.Bool
	primary    atomic.Bool

	mu       sync.Mutex
	onChange func(isPrimary bool)
	stop     chan struct{}
	done     chan struct{}
}

type leaseRecord struct {
	Owner      string
	Foreground bool
	Expiry     int64 // unix nanos
}

func (r leaseRecord) encode() []byte {
	fg := byte(0)
	if r.Foreground {
		fg = 1
	}
	return protocol.Record('H',
		protocol.Record('O', []byte(r.Owner)),
		protocol.TinyRecord('F', []byte{fg}),
		protocol.Record('E', model.ZipZagInt64(r.Expiry)),
	)
}

func decodeLeaseRecord(data []byte) (leaseRecord, error) {
	var r leaseRecord
	body, _ := protocol.Take('H', data)
	if body == nil {
		return r, ErrBadLeaseRecord
	}
	owner, rest := protocol.Take('O', body)
	if owner == nil {
		return r, ErrBadLeaseRecord
	}
	fg, rest := protocol.Take('F', rest)
	if len(fg) != 1 {
		return r, ErrBadLeaseRecord
	}
	exp, _ := protocol.Take('E', rest)
	if exp == nil {
		return r, ErrBadLeaseRecord
	}
	r.Owner = string(owner)
	r.Foreground = fg[0] != 0
	r.Expiry = model.UnzipZagInt64(exp)
	return r, nil
}

// NewLease creates an unstarted lease. zombieDir holds the clean-shutdown
// markers; empty for volatile stores.
func NewLease(backend Backend, clk clock.Clock, log utils.Logger, zombieDir string) *Lease {
	l := &Lease{
		clientID:  uuid.NewString(),
		backend:   backend,
		clk:       clk,
		log:       log,
		zombieDir: zombieDir,
	}
	l.foreground.Store(true)
	return l
}

func (l *Lease) ClientID() string {
	return l.clientID
}

func (l *Lease) IsPrimary() bool {
	return l.primary.Load()
}

// holdsLease re-reads the lease row inside tx. The cached primary flag
// can outlive a takeover between heartbeats, so primary-required work
// verifies ownership against the row its transaction actually sees.
func (l *Lease) holdsLease(tx Tx) bool {
	val, err := tx.Get(leaseKey())
	if err != nil {
		return false
	}
	rec, err := decodeLeaseRecord(val)
	if err != nil {
		return false
	}
	return rec.Owner == l.clientID && rec.Expiry > l.clk.Now().UnixNano()
}

// SetForeground reflects app visibility; the next heartbeat carries it.
func (l *Lease) SetForeground(fg bool) {
	l.foreground.Store(fg)
}

// OnChange registers the primary-transition callback. Called outside the
// lease's internal lock, from the heartbeat goroutine.
func (l *Lease) OnChange(fn func(isPrimary bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Start removes this client's zombie marker, takes an immediate shot at
// the lease and begins heartbeating.
func (l *Lease) Start(ctx context.Context) error {
	if l.zombieDir != "" {
		_ = os.Remove(l.zombiePath(l.clientID))
	}
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return errors.New("lease already started")
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	l.beat(ctx)
	go func() {
		defer close(done)
		ticker := l.clk.TickAfter(leaseRefresh)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker:
				l.beat(ctx)
				ticker = l.clk.TickAfter(leaseRefresh)
			}
		}
	}()
	return nil
}

// Stop surrenders the lease and drops a zombie marker so peers reclaim
// it without waiting out the TTL.
func (l *Lease) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	l.surrender()
	if l.zombieDir != "" {
		if f, err := os.Create(l.zombiePath(l.clientID)); err == nil {
			_ = f.Close()
		}
		_ = os.Remove(l.alivePath(l.clientID))
	}
}

func (l *Lease) zombiePath(clientID string) string {
	return filepath.Join(l.zombieDir, "zombie_"+clientID)
}

func (l *Lease) alivePath(clientID string) string {
	return filepath.Join(l.zombieDir, "alive_"+clientID)
}

// touchLiveness refreshes this client's liveness file. Crashed clients
// stop touching theirs, which is how a peer tells a crash from a clean
// shutdown (the zombie marker only exists after a clean Stop). Wall
// clock on purpose: file mtimes are wall time regardless of l.clk.
func (l *Lease) touchLiveness() {
	if l.zombieDir == "" {
		return
	}
	now := time.Now()
	path := l.alivePath(l.clientID)
	if err := os.Chtimes(path, now, now); err != nil {
		if f, cerr := os.Create(path); cerr == nil {
			_ = f.Close()
		}
	}
}

// isZombied reports whether clientID shut down cleanly or stopped
// touching its liveness file long enough to be presumed crashed.
func (l *Lease) isZombied(clientID string) bool {
	if l.zombieDir == "" {
		return false
	}
	if _, err := os.Stat(l.zombiePath(clientID)); err == nil {
		return true
	}
	st, err := os.Stat(l.alivePath(clientID))
	if err != nil {
		return false
	}
	return time.Since(st.ModTime()) > clientStaleAfter
}

// beat runs one election round: refresh our client row, then take or
// renew the lease if the current holder no longer defends it.
func (l *Lease) beat(ctx context.Context) {
	now := l.clk.Now()
	wasPrimary := l.primary.Load()
	isPrimary := false

	tx, err := l.backend.Begin(true)
	if err != nil {
		l.log.WarnCtx(ctx, "lease heartbeat failed", "error", err)
		return
	}
	err = func() error {
		if err := l.writeClientRow(tx, now); err != nil {
			return err
		}
		holder, err := l.currentHolder(tx, now)
		if err != nil {
			return err
		}
		if !l.canTakeOver(holder) {
			return nil
		}
		rec := leaseRecord{
			Owner:      l.clientID,
			Foreground: l.foreground.Load(),
			Expiry:     now.Add(LeaseTTL).UnixNano(),
		}
		if err := tx.Set(leaseKey(), rec.encode()); err != nil {
			return err
		}
		isPrimary = true
		return nil
	}()
	if err != nil {
		_ = l.backend.Rollback(tx)
		l.log.WarnCtx(ctx, "lease heartbeat failed", "error", err)
		return
	}
	if err := l.backend.Commit(tx); err != nil {
		l.log.WarnCtx(ctx, "lease commit failed", "error", err)
		return
	}
	l.touchLiveness()

	l.primary.Store(isPrimary)
	if isPrimary != wasPrimary {
		direction := "lost"
		if isPrimary {
			direction = "acquired"
		}
		leaseTransitions.WithLabelValues(direction).Inc()
		l.log.InfoCtx(ctx, "primary lease "+direction, "client", l.clientID)
		l.mu.Lock()
		fn := l.onChange
		l.mu.Unlock()
		if fn != nil {
			fn(isPrimary)
		}
	}
}

// currentHolder returns the live lease record, or nil when the lease is
// free, expired or held by a dead client.
func (l *Lease) currentHolder(tx Tx, now time.Time) (*leaseRecord, error) {
	val, err := tx.Get(leaseKey())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeLeaseRecord(val)
	if err != nil {
		return nil, err
	}
	if rec.Expiry <= now.UnixNano() {
		return nil, nil
	}
	if rec.Owner != l.clientID && l.isZombied(rec.Owner) {
		return nil, nil
	}
	if rec.Owner != l.clientID {
		stale, err := l.clientRowStale(tx, rec.Owner, now)
		if err != nil {
			return nil, err
		}
		if stale {
			return nil, nil
		}
	}
	return &rec, nil
}

func (l *Lease) canTakeOver(holder *leaseRecord) bool {
	if holder == nil || holder.Owner == l.clientID {
		return true
	}
	// a foreground challenger outbids a backgrounded incumbent; anything
	// else defers to the incumbent
	return l.foreground.Load() && !holder.Foreground
}

func (l *Lease) writeClientRow(tx Tx, now time.Time) error {
	return tx.Set(clientKey(l.clientID), model.ZipZagInt64(now.UnixNano()))
}

func (l *Lease) clientRowStale(tx Tx, clientID string, now time.Time) (bool, error) {
	val, err := tx.Get(clientKey(clientID))
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	lastSeen := model.UnzipZagInt64(val)
	return now.UnixNano()-lastSeen > int64(clientStaleAfter), nil
}

// surrender drops the lease row if we still own it.
func (l *Lease) surrender() {
	if !l.primary.Swap(false) {
		return
	}
	tx, err := l.backend.Begin(true)
	if err != nil {
		return
	}
	val, err := tx.Get(leaseKey())
	if err == nil {
		if rec, decErr := decodeLeaseRecord(val); decErr == nil && rec.Owner == l.clientID {
			_ = tx.Delete(leaseKey())
		}
	}
	_ = tx.Delete(clientKey(l.clientID))
	_ = l.backend.Commit(tx)
}

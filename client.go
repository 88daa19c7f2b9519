package docsync

import (
	"context"
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const DefaultGCInterval = 5 * time.Minute

// Options configure a Client. The zero value plus Addr, Secret and
// UserID is a working volatile client.
type Options struct {
	// Path is the durable store directory; empty selects the in-memory
	// backend.
	Path   string
	UserID string

	// Addr is the backend's listen address; Secret signs the JWTs sent on
	// stream handshakes.
	Addr      string
	Secret    []byte
	TLSConfig *tls.Config

	CacheSizeBytes    int64
	GCInterval        time.Duration
	BackfillInterval  time.Duration
	BackfillBatchSize int
	AutoIndexing      bool

	Logger utils.Logger
	Clock  clock.Clock
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Clock == nil {
		o.Clock = clock.NewDefaultClock()
	}
	if o.CacheSizeBytes <= 0 {
		o.CacheSizeBytes = persistence.DefaultGCParams().CacheSizeBytes
	}
	if o.GCInterval <= 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.BackfillInterval <= 0 {
		o.BackfillInterval = DefaultBackfillInterval
	}
	if o.BackfillBatchSize <= 0 {
		o.BackfillBatchSize = DefaultBackfillBatchSize
	}
}

// Client is the top-level handle: it owns the persistence layer, the
// local store, the sync engine and the remote store, and exposes the
// read, write and listen API.
type Client struct {
	opts   Options
	log    utils.Logger
	clk    clock.Clock
	p      *persistence.Persistence
	lease  *persistence.Lease
	local  *LocalStore
	engine *SyncEngine
	rs     *remote.RemoteStore
	gc     *persistence.GC

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open builds and starts a client. The passed context bounds startup
// only; background work runs until Close.
func Open(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	log, clk := opts.Logger, opts.Clock

	var backend persistence.Backend
	var zombieDir string
	if opts.Path == "" {
		backend = persistence.NewMemory()
	} else {
		pb, err := persistence.OpenPebble(ctx, opts.Path, log)
		if err != nil {
			return nil, errors.Wrap(err, "opening store")
		}
		backend = pb
		zombieDir = filepath.Join(opts.Path, "zombies")
	}

	lease := persistence.NewLease(backend, clk, log, zombieDir)
	p := persistence.New(backend, lease, log)
	local := NewLocalStore(p, opts.UserID, clk, log, opts.AutoIndexing)
	engine := NewSyncEngine(local, log)

	dialer := remote.NewDatastore(opts.Addr, opts.TLSConfig, log)
	creds := remote.NewJWTCredentials(opts.Secret, opts.UserID, clk)
	rs := remote.NewRemoteStore(engine, local, dialer, creds, clk, log)
	engine.SetRemoteStore(rs)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    log,
		clk:    clk,
		p:      p,
		lease:  lease,
		local:  local,
		engine: engine,
		rs:     rs,
		gc: persistence.NewGC(persistence.GCParams{
			CacheSizeBytes:     opts.CacheSizeBytes,
			Percentile:         persistence.DefaultGCParams().Percentile,
			MaxSequenceNumbers: persistence.DefaultGCParams().MaxSequenceNumbers,
		}, log),
		cancel: cancel,
	}

	// Only the primary client holds the streams open; secondaries read the
	// shared store and wait for the lease.
	lease.OnChange(func(isPrimary bool) {
		if isPrimary {
			log.Info("acquired primary lease", "client", lease.ClientID())
			rs.EnableNetwork()
		} else {
			log.Info("lost primary lease", "client", lease.ClientID())
			rs.DisableNetwork()
		}
	})
	if err := lease.Start(runCtx); err != nil {
		cancel()
		_ = p.Close()
		return nil, err
	}

	engine.Start(runCtx)
	rs.Start(runCtx)
	if !lease.IsPrimary() {
		rs.DisableNetwork()
	}

	bf := NewBackfiller(local, clk, log, opts.BackfillInterval, opts.BackfillBatchSize)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		bf.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.gcLoop(runCtx)
	}()
	return c, nil
}

func (c *Client) gcLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.TickAfter(c.opts.GCInterval):
		}
		res, err := c.local.CollectGarbage(ctx, c.gc, c.engine.ActiveTargets())
		switch {
		case errors.Is(err, persistence.ErrNotPrimary):
			c.log.DebugCtx(ctx, "skipping garbage collection, not primary")
		case errors.Is(err, persistence.ErrClosed) || ctx.Err() != nil:
			return
		case err != nil:
			c.log.WarnCtx(ctx, "garbage collection failed", "error", err)
		case res.DidRun:
			c.log.InfoCtx(ctx, "garbage collection complete",
				"targets", res.TargetsRemoved, "documents", res.DocumentsRemoved)
		}
	}
}

// Get reads one document through the local cache, overlays applied.
// The result is invalid when the document is not known locally.
func (c *Client) Get(ctx context.Context, path string) (*model.MutableDocument, error) {
	key, err := documentKey(path)
	if err != nil {
		return nil, err
	}
	return c.local.ReadDocument(ctx, key)
}

// GetAll runs a one-shot query against the local cache.
func (c *Client) GetAll(ctx context.Context, q query.Query) ([]*model.MutableDocument, error) {
	docs, err := c.local.ExecuteQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	set := model.NewDocumentSet(q.Comparator())
	docs.Ascend(func(_ model.DocumentKey, doc *model.MutableDocument) bool {
		set = set.Add(doc)
		return true
	})
	out := set.Docs()
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		if q.LimitKind == query.LimitLast {
			out = out[int64(len(out))-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

// LoadBundle installs a prebuilt data bundle. Returns false when an
// equal or newer build of the bundle was already applied and nothing
// changed.
func (c *Client) LoadBundle(ctx context.Context, b *Bundle) (bool, error) {
	return c.engine.LoadBundle(ctx, b)
}

// GetNamedQuery resolves a query shape shipped in a bundle, or nil when
// no bundle registered the name.
func (c *Client) GetNamedQuery(ctx context.Context, name string) (*persistence.NamedQuery, error) {
	return c.local.GetNamedQuery(ctx, name)
}

// Set overwrites the document at path with data.
func (c *Client) Set(ctx context.Context, path string, data map[string]any, transforms ...mutation.FieldTransform) (<-chan error, error) {
	key, err := documentKey(path)
	if err != nil {
		return nil, err
	}
	obj, err := ObjectFromGo(data)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewSetMutation(key, obj, transforms...))
}

// Update patches the named fields of an existing document; it fails on
// the server when the document does not exist.
func (c *Client) Update(ctx context.Context, path string, data map[string]any, transforms ...mutation.FieldTransform) (<-chan error, error) {
	key, err := documentKey(path)
	if err != nil {
		return nil, err
	}
	obj := model.NewObjectValue()
	mask := mutation.NewFieldMask()
	for field, raw := range data {
		fp, err := model.ParseFieldPath(field)
		if err != nil {
			return nil, err
		}
		v, err := ValueFromGo(raw)
		if err != nil {
			return nil, err
		}
		obj = obj.Set(fp, v)
		mask.Append(fp)
	}
	mu := mutation.NewPatchMutation(key, obj, mask,
		mutation.ExistsPrecondition(true), transforms...)
	return c.Write(ctx, mu)
}

// Delete removes the document at path.
func (c *Client) Delete(ctx context.Context, path string) (<-chan error, error) {
	key, err := documentKey(path)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewDeleteMutation(key, mutation.NoPrecondition()))
}

// Write applies a mutation batch locally and returns a channel that
// resolves when the server acknowledges or rejects it.
func (c *Client) Write(ctx context.Context, mutations ...*mutation.Mutation) (<-chan error, error) {
	_, ack, err := c.engine.Write(ctx, mutations)
	return ack, err
}

// Listen attaches a snapshot listener to a query; the returned function
// detaches it.
func (c *Client) Listen(ctx context.Context, q query.Query, listener SnapshotListener) (func(), error) {
	return c.engine.Listen(ctx, q, listener)
}

// WaitForPendingWrites blocks until every write issued before the call
// is acknowledged or rejected by the server.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done, err := c.engine.WaitForPendingWrites(ctx)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfigureFieldIndexes installs the given index definitions, dropping
// persisted ones no longer listed.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []*index.FieldIndex) error {
	return c.local.ConfigureFieldIndexes(ctx, indexes)
}

// SetForeground reflects app visibility; background clients yield the
// primary lease to foreground ones.
func (c *Client) SetForeground(fg bool) {
	c.lease.SetForeground(fg)
}

func (c *Client) EnableNetwork()  { c.rs.EnableNetwork() }
func (c *Client) DisableNetwork() { c.rs.DisableNetwork() }

// OnlineState reports the current connectivity estimate.
func (c *Client) OnlineState() remote.OnlineState {
	return c.engine.OnlineState()
}

// IsPrimary reports whether this client holds the primary lease.
func (c *Client) IsPrimary() bool {
	return c.lease.IsPrimary()
}

// Close shuts the client down: streams first, then background loops,
// then the store. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.rs.Shutdown()
		c.cancel()
		c.wg.Wait()
		c.engine.Stop()
		c.lease.Stop()
		c.closeErr = c.p.Close()
	})
	return c.closeErr
}

func documentKey(path string) (model.DocumentKey, error) {
	rp, err := model.ParseResourcePath(path)
	if err != nil {
		return model.DocumentKey{}, err
	}
	return model.NewDocumentKey(rp)
}

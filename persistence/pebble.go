package persistence

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/docsync/utils"
	"github.com/pkg/errors"
)

// SchemaVersion is bumped whenever the key layout or a record format
// changes incompatibly; Open migrates older stores forward.
const SchemaVersion = 1

const schemaGlobal = "schema"

var ErrSchemaTooNew = errors.New("store was written by a newer version")

// PebbleBackend is the durable backend: one pebble store per local
// database directory.
type PebbleBackend struct {
	db  *pebble.DB
	log utils.Logger
}

type pebbleOptions struct {
	fs       vfs.FS
	readOnly bool
}

type PebbleOption func(*pebbleOptions)

// WithMemFS runs the store on an in-memory filesystem.
func WithMemFS() PebbleOption {
	return func(o *pebbleOptions) { o.fs = vfs.NewMem() }
}

func WithReadOnly() PebbleOption {
	return func(o *pebbleOptions) { o.readOnly = true }
}

// OpenPebble opens or creates the store at dir and migrates its schema.
func OpenPebble(ctx context.Context, dir string, log utils.Logger, opts ...PebbleOption) (*PebbleBackend, error) {
	var po pebbleOptions
	for _, opt := range opts {
		opt(&po)
	}
	popts := &pebble.Options{
		ErrorIfNotPristine: false,
		ReadOnly:           po.readOnly,
	}
	if po.fs != nil {
		popts.FS = po.fs
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	b := &PebbleBackend{db: db, log: log}
	if !po.readOnly {
		if err := b.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *PebbleBackend) migrate(ctx context.Context) error {
	ver, err := b.schemaVersion()
	if err != nil {
		return err
	}
	if ver > SchemaVersion {
		return ErrSchemaTooNew
	}
	if ver == SchemaVersion {
		return nil
	}
	b.log.InfoCtx(ctx, "migrating store schema", "from", ver, "to", SchemaVersion)
	// version 0 is a pristine store; later migrations chain here
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], SchemaVersion)
	return b.db.Set(globalKey(schemaGlobal), buf[:], pebble.Sync)
}

func (b *PebbleBackend) schemaVersion() (uint64, error) {
	val, closer, err := b.db.Get(globalKey(schemaGlobal))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, ErrBadStorageKey
	}
	return binary.LittleEndian.Uint64(val), nil
}

type pebbleTx struct {
	batch *pebble.Batch
	snap  *pebble.Snapshot
}

func (b *PebbleBackend) Begin(writable bool) (Tx, error) {
	if writable {
		return &pebbleTx{batch: b.db.NewIndexedBatch()}, nil
	}
	return &pebbleTx{snap: b.db.NewSnapshot()}, nil
}

func (b *PebbleBackend) Commit(tx Tx) error {
	pt := tx.(*pebbleTx)
	if pt.batch != nil {
		return pt.batch.Commit(pebble.Sync)
	}
	return pt.snap.Close()
}

func (b *PebbleBackend) Rollback(tx Tx) error {
	pt := tx.(*pebbleTx)
	if pt.batch != nil {
		return pt.batch.Close()
	}
	return pt.snap.Close()
}

func (b *PebbleBackend) Close() error {
	return b.db.Close()
}

func (t *pebbleTx) get(key []byte) ([]byte, io.Closer, error) {
	if t.batch != nil {
		return t.batch.Get(key)
	}
	return t.snap.Get(key)
}

func (t *pebbleTx) Get(key []byte) ([]byte, error) {
	val, closer, err := t.get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get")
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pebbleTx) Set(key, value []byte) error {
	if t.batch == nil {
		return errors.New("set in a read-only transaction")
	}
	return t.batch.Set(key, value, pebble.Sync)
}

func (t *pebbleTx) Delete(key []byte) error {
	if t.batch == nil {
		return errors.New("delete in a read-only transaction")
	}
	return t.batch.Delete(key, pebble.Sync)
}

func (t *pebbleTx) iter(lo, hi []byte) (*pebble.Iterator, error) {
	opts := &pebble.IterOptions{LowerBound: lo, UpperBound: hi}
	if t.batch != nil {
		return t.batch.NewIter(opts)
	}
	return t.snap.NewIter(opts)
}

func (t *pebbleTx) Range(lo, hi []byte, fn func(key, value []byte) error) error {
	it, err := t.iter(lo, hi)
	if err != nil {
		return errors.Wrap(err, "open iterator")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			if errors.Is(err, ErrStopRange) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

func (t *pebbleTx) RangeReverse(lo, hi []byte, fn func(key, value []byte) error) error {
	it, err := t.iter(lo, hi)
	if err != nil {
		return errors.Wrap(err, "open iterator")
	}
	defer it.Close()
	for it.Last(); it.Valid(); it.Prev() {
		if err := fn(it.Key(), it.Value()); err != nil {
			if errors.Is(err, ErrStopRange) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

package persistence

import (
	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// Globals are the singleton rows: id high-water marks, the shared listen
// sequence number, the last remote snapshot version and stream token.
type Globals struct{}

const (
	globalHighestBatch    = "batch"
	globalHighestTarget   = "target"
	globalHighestIndex    = "index"
	globalSequenceNumber  = "seq"
	globalLastVersion     = "version"
	globalLastStreamToken = "stream"
	globalTargetCount     = "targets"
	globalCacheBytes      = "bytes"
)

func (Globals) getInt(tx Tx, name string) (int64, error) {
	val, err := tx.Get(globalKey(name))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.UnzipZagInt64(val), nil
}

func (Globals) setInt(tx Tx, name string, v int64) error {
	return tx.Set(globalKey(name), model.ZipZagInt64(v))
}

func (g Globals) HighestBatchID(tx Tx) (int32, error) {
	v, err := g.getInt(tx, globalHighestBatch)
	return int32(v), err
}

func (g Globals) SetHighestBatchID(tx Tx, id int32) error {
	return g.setInt(tx, globalHighestBatch, int64(id))
}

func (g Globals) HighestTargetID(tx Tx) (int32, error) {
	v, err := g.getInt(tx, globalHighestTarget)
	return int32(v), err
}

func (g Globals) SetHighestTargetID(tx Tx, id int32) error {
	return g.setInt(tx, globalHighestTarget, int64(id))
}

func (g Globals) HighestIndexID(tx Tx) (int32, error) {
	v, err := g.getInt(tx, globalHighestIndex)
	return int32(v), err
}

func (g Globals) SetHighestIndexID(tx Tx, id int32) error {
	return g.setInt(tx, globalHighestIndex, int64(id))
}

// SequenceNumber is the monotonically increasing LRU clock shared by
// targets and orphaned documents.
func (g Globals) SequenceNumber(tx Tx) (int64, error) {
	return g.getInt(tx, globalSequenceNumber)
}

func (g Globals) SetSequenceNumber(tx Tx, v int64) error {
	return g.setInt(tx, globalSequenceNumber, v)
}

// NextSequenceNumber bumps and returns the LRU clock.
func (g Globals) NextSequenceNumber(tx Tx) (int64, error) {
	v, err := g.SequenceNumber(tx)
	if err != nil {
		return 0, err
	}
	v++
	return v, g.SetSequenceNumber(tx, v)
}

func (g Globals) TargetCount(tx Tx) (int64, error) {
	return g.getInt(tx, globalTargetCount)
}

func (g Globals) AddTargetCount(tx Tx, delta int64) error {
	n, err := g.TargetCount(tx)
	if err != nil {
		return err
	}
	return g.setInt(tx, globalTargetCount, n+delta)
}

// CacheBytes approximates the remote document cache size, maintained
// incrementally by the change buffer and consulted by the GC gate.
func (g Globals) CacheBytes(tx Tx) (int64, error) {
	return g.getInt(tx, globalCacheBytes)
}

func (g Globals) AddCacheBytes(tx Tx, delta int64) error {
	n, err := g.CacheBytes(tx)
	if err != nil {
		return err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return g.setInt(tx, globalCacheBytes, n)
}

// LastRemoteVersion is the latest snapshot version any target reached;
// remote events below it are stale and ignored on replay.
func (g Globals) LastRemoteVersion(tx Tx) (model.SnapshotVersion, error) {
	val, err := tx.Get(globalKey(globalLastVersion))
	if errors.Is(err, ErrNotFound) {
		return model.MinVersion(), nil
	}
	if err != nil {
		return model.SnapshotVersion{}, err
	}
	return model.SnapshotVersion{Timestamp: model.UnzipTimestamp(val)}, nil
}

func (g Globals) SetLastRemoteVersion(tx Tx, v model.SnapshotVersion) error {
	return tx.Set(globalKey(globalLastVersion), v.Zip())
}

// LastStreamToken resumes the write stream across restarts.
func (g Globals) LastStreamToken(tx Tx) ([]byte, error) {
	val, err := tx.Get(globalKey(globalLastStreamToken))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return val, err
}

func (g Globals) SetLastStreamToken(tx Tx, token []byte) error {
	return tx.Set(globalKey(globalLastStreamToken), token)
}

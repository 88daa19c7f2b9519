package persistence

import (
	"strings"
	"sync"

	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// MemoryBackend keeps the whole store in an immutable sorted map, so a
// read transaction is a free snapshot and a write transaction commits by
// swapping the root pointer. Because a commit replaces the whole root,
// only one writable transaction may be open at a time; Begin(true) blocks
// until the previous writer commits or rolls back. Readers never block.
type MemoryBackend struct {
	mu   sync.Mutex // guards data and the per-tx done flag
	wmu  sync.Mutex // held by the writable transaction in flight
	data *model.SortedMap[string, []byte]
}

func NewMemory() *MemoryBackend {
	return &MemoryBackend{data: model.NewSortedMap[string, []byte](strings.Compare)}
}

type memoryTx struct {
	backend  *MemoryBackend
	data     *model.SortedMap[string, []byte]
	writable bool
	done     bool
}

func (b *MemoryBackend) Begin(writable bool) (Tx, error) {
	if writable {
		b.wmu.Lock()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &memoryTx{backend: b, data: b.data, writable: writable}, nil
}

func (b *MemoryBackend) Commit(tx Tx) error {
	mt := tx.(*memoryTx)
	if !mt.writable {
		return nil
	}
	b.mu.Lock()
	released := mt.done
	mt.done = true
	if !released {
		b.data = mt.data
	}
	b.mu.Unlock()
	if !released {
		b.wmu.Unlock()
	}
	return nil
}

func (b *MemoryBackend) Rollback(tx Tx) error {
	mt := tx.(*memoryTx)
	if !mt.writable {
		return nil
	}
	b.mu.Lock()
	released := mt.done
	mt.done = true
	b.mu.Unlock()
	if !released {
		b.wmu.Unlock()
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (t *memoryTx) Get(key []byte) ([]byte, error) {
	val, ok := t.data.Get(string(key))
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

func (t *memoryTx) Set(key, value []byte) error {
	if !t.writable {
		return errors.New("set in a read-only transaction")
	}
	t.data = t.data.Insert(string(key), append([]byte(nil), value...))
	return nil
}

func (t *memoryTx) Delete(key []byte) error {
	if !t.writable {
		return errors.New("delete in a read-only transaction")
	}
	t.data = t.data.Remove(string(key))
	return nil
}

func (t *memoryTx) Range(lo, hi []byte, fn func(key, value []byte) error) error {
	var err error
	t.data.AscendFrom(string(lo), func(k string, v []byte) bool {
		if hi != nil && k >= string(hi) {
			return false
		}
		err = fn([]byte(k), v)
		return err == nil
	})
	if errors.Is(err, ErrStopRange) {
		return nil
	}
	return err
}

func (t *memoryTx) RangeReverse(lo, hi []byte, fn func(key, value []byte) error) error {
	// collected ascending first; reverse iteration stays correct under
	// the callback mutating the transaction
	type kv struct {
		k string
		v []byte
	}
	var rows []kv
	t.data.AscendFrom(string(lo), func(k string, v []byte) bool {
		if hi != nil && k >= string(hi) {
			return false
		}
		rows = append(rows, kv{k, v})
		return true
	})
	for i := len(rows) - 1; i >= 0; i-- {
		if err := fn([]byte(rows[i].k), rows[i].v); err != nil {
			if errors.Is(err, ErrStopRange) {
				return nil
			}
			return err
		}
	}
	return nil
}

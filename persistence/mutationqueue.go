package persistence

import (
	"slices"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/pkg/errors"
)

// MutationQueue stores one user's unacknowledged batches in batch-id
// order, with a per-document index for overlap queries.
type MutationQueue struct {
	uid string
}

func NewMutationQueue(uid string) *MutationQueue {
	return &MutationQueue{uid: uid}
}

// Add writes the batch and its by-key index rows. The caller assigns the
// id via the globals high-water mark.
func (q *MutationQueue) Add(tx Tx, batch *mutation.Batch) error {
	if err := tx.Set(mutationKey(q.uid, uint32(batch.ID)), batch.Encode()); err != nil {
		return err
	}
	for _, key := range batch.Keys().Keys() {
		if err := tx.Set(mutationByKeyKey(q.uid, key, uint32(batch.ID)), nil); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the batch, or nil when it is gone (already acked).
func (q *MutationQueue) Lookup(tx Tx, id mutation.BatchID) (*mutation.Batch, error) {
	val, err := tx.Get(mutationKey(q.uid, uint32(id)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mutation.DecodeBatch(id, val)
}

// NextAfter returns the earliest batch with id > after, or nil.
func (q *MutationQueue) NextAfter(tx Tx, after mutation.BatchID) (*mutation.Batch, error) {
	lo := mutationKey(q.uid, uint32(after)+1)
	hi := prefixEnd(appendPathSeg([]byte{kMutation}, q.uid))
	var out *mutation.Batch
	err := tx.Range(lo, hi, func(key, value []byte) error {
		id, err := batchIDFromKey(q.uid, key)
		if err != nil {
			return err
		}
		out, err = mutation.DecodeBatch(id, value)
		if err != nil {
			return err
		}
		return ErrStopRange
	})
	return out, err
}

// All returns every queued batch in id order.
func (q *MutationQueue) All(tx Tx) ([]*mutation.Batch, error) {
	lo := appendPathSeg([]byte{kMutation}, q.uid)
	hi := prefixEnd(lo)
	var out []*mutation.Batch
	err := tx.Range(lo, hi, func(key, value []byte) error {
		id, err := batchIDFromKey(q.uid, key)
		if err != nil {
			return err
		}
		b, err := mutation.DecodeBatch(id, value)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// IsEmpty reports whether any batches remain.
func (q *MutationQueue) IsEmpty(tx Tx) (bool, error) {
	lo := appendPathSeg([]byte{kMutation}, q.uid)
	hi := prefixEnd(lo)
	empty := true
	err := tx.Range(lo, hi, func([]byte, []byte) error {
		empty = false
		return ErrStopRange
	})
	return empty, err
}

// BatchIDsAffectingKey lists ids of queued batches touching the key.
func (q *MutationQueue) BatchIDsAffectingKey(tx Tx, key model.DocumentKey) ([]mutation.BatchID, error) {
	lo := appendPath(appendPathSeg([]byte{kMutationByKey}, q.uid), key.Path)
	hi := prefixEnd(lo)
	var out []mutation.BatchID
	err := tx.Range(lo, hi, func(k, _ []byte) error {
		id, _, err := takeUint32(k[len(lo):])
		if err != nil {
			return err
		}
		out = append(out, mutation.BatchID(id))
		return nil
	})
	return out, err
}

// AllAffectingKeys returns the batches touching any of the keys, sorted
// by id, deduplicated.
func (q *MutationQueue) AllAffectingKeys(tx Tx, keys model.KeySet) ([]*mutation.Batch, error) {
	seen := map[mutation.BatchID]bool{}
	var ids []mutation.BatchID
	for _, key := range keys.Keys() {
		batchIDs, err := q.BatchIDsAffectingKey(tx, key)
		if err != nil {
			return nil, err
		}
		for _, id := range batchIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sortBatchIDs(ids)
	out := make([]*mutation.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := q.Lookup(tx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// AllAffectingCollection returns the batches touching any document
// directly inside the collection, sorted by id.
func (q *MutationQueue) AllAffectingCollection(tx Tx, collection model.ResourcePath) ([]*mutation.Batch, error) {
	lo := appendPathPrefix(appendPathSeg([]byte{kMutationByKey}, q.uid), collection)
	hi := prefixEnd(lo)
	prefixLen := len(appendPathSeg([]byte{kMutationByKey}, q.uid))
	seen := map[mutation.BatchID]bool{}
	var ids []mutation.BatchID
	err := tx.Range(lo, hi, func(k, _ []byte) error {
		dk, rest, err := takeDocKey(k[prefixLen:])
		if err != nil {
			return err
		}
		if len(dk.Path) != len(collection)+1 {
			return nil
		}
		id, _, err := takeUint32(rest)
		if err != nil {
			return err
		}
		if !seen[mutation.BatchID(id)] {
			seen[mutation.BatchID(id)] = true
			ids = append(ids, mutation.BatchID(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBatchIDs(ids)
	out := make([]*mutation.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := q.Lookup(tx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// Remove deletes an acknowledged or rejected batch and its index rows.
func (q *MutationQueue) Remove(tx Tx, batch *mutation.Batch) error {
	if err := tx.Delete(mutationKey(q.uid, uint32(batch.ID))); err != nil {
		return err
	}
	for _, key := range batch.Keys().Keys() {
		if err := tx.Delete(mutationByKeyKey(q.uid, key, uint32(batch.ID))); err != nil {
			return err
		}
	}
	return nil
}

func batchIDFromKey(uid string, key []byte) (mutation.BatchID, error) {
	prefix := appendPathSeg([]byte{kMutation}, uid)
	id, _, err := takeUint32(key[len(prefix):])
	return mutation.BatchID(id), err
}

func sortBatchIDs(ids []mutation.BatchID) {
	slices.Sort(ids)
}

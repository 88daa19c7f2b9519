package persistence

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/pkg/errors"
)

// TargetCache stores allocated targets and the target<->document links
// the watch stream maintains. Links carry a sentinel row (target id 0)
// whose value is the LRU sequence number of the document.
type TargetCache struct{}

const sentinelTargetID = 0

// Add stores a new target and bumps the target count.
func (TargetCache) Add(tx Tx, td *query.TargetData) error {
	if err := tx.Set(targetKey(uint32(td.TargetID)), td.Encode()); err != nil {
		return err
	}
	if err := tx.Set(targetByCanonKey(td.Target.CanonicalID(), uint32(td.TargetID)), nil); err != nil {
		return err
	}
	return Globals{}.AddTargetCount(tx, 1)
}

// Update rewrites an existing target's state.
func (TargetCache) Update(tx Tx, td *query.TargetData) error {
	return tx.Set(targetKey(uint32(td.TargetID)), td.Encode())
}

// Remove drops the target, its links and its canonical index row.
func (c TargetCache) Remove(tx Tx, td *query.TargetData) error {
	if err := c.RemoveAllKeysForTarget(tx, td.TargetID); err != nil {
		return err
	}
	if err := tx.Delete(targetKey(uint32(td.TargetID))); err != nil {
		return err
	}
	if err := tx.Delete(targetByCanonKey(td.Target.CanonicalID(), uint32(td.TargetID))); err != nil {
		return err
	}
	return Globals{}.AddTargetCount(tx, -1)
}

// GetByID loads one target, or nil.
func (TargetCache) GetByID(tx Tx, id query.TargetID) (*query.TargetData, error) {
	val, err := tx.Get(targetKey(uint32(id)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return query.DecodeTargetData(val)
}

// Get finds the stored target matching the query shape, resolving
// canonical-id hash collisions by comparing the decoded shape.
func (c TargetCache) Get(tx Tx, q query.Query) (*query.TargetData, error) {
	canonical := q.CanonicalID()
	lo := targetByCanonKey(canonical, 0)
	hi := prefixEnd(lo[:len(lo)-4])
	var found *query.TargetData
	err := tx.Range(lo, hi, func(k, _ []byte) error {
		id, _, err := takeUint32(k[len(lo)-4:])
		if err != nil {
			return err
		}
		td, err := c.GetByID(tx, query.TargetID(id))
		if err != nil {
			return err
		}
		if td != nil && td.Target.CanonicalID() == canonical {
			found = td
			return ErrStopRange
		}
		return nil
	})
	return found, err
}

// ForEach visits every stored target.
func (TargetCache) ForEach(tx Tx, fn func(td *query.TargetData) error) error {
	lo := []byte{kTarget}
	hi := prefixEnd(lo)
	return tx.Range(lo, hi, func(_, v []byte) error {
		td, err := query.DecodeTargetData(v)
		if err != nil {
			return err
		}
		return fn(td)
	})
}

// AddMatchingKeys links documents to a target and refreshes their
// sentinel sequence number.
func (TargetCache) AddMatchingKeys(tx Tx, keys []model.DocumentKey, id query.TargetID, seq int64) error {
	for _, key := range keys {
		if err := tx.Set(targetDocKey(uint32(id), key), nil); err != nil {
			return err
		}
		if err := tx.Set(docTargetKey(key, uint32(id)), nil); err != nil {
			return err
		}
		if err := tx.Set(docTargetKey(key, sentinelTargetID), model.ZipZagInt64(seq)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeys unlinks documents from a target, leaving the
// sentinel row for the garbage collector.
func (TargetCache) RemoveMatchingKeys(tx Tx, keys []model.DocumentKey, id query.TargetID, seq int64) error {
	for _, key := range keys {
		if err := tx.Delete(targetDocKey(uint32(id), key)); err != nil {
			return err
		}
		if err := tx.Delete(docTargetKey(key, uint32(id))); err != nil {
			return err
		}
		if err := tx.Set(docTargetKey(key, sentinelTargetID), model.ZipZagInt64(seq)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllKeysForTarget unlinks every document of a target.
func (c TargetCache) RemoveAllKeysForTarget(tx Tx, id query.TargetID) error {
	keys, err := c.MatchingKeys(tx, id)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Delete(targetDocKey(uint32(id), key)); err != nil {
			return err
		}
		if err := tx.Delete(docTargetKey(key, uint32(id))); err != nil {
			return err
		}
	}
	return nil
}

// MatchingKeys lists the documents currently linked to a target.
func (TargetCache) MatchingKeys(tx Tx, id query.TargetID) ([]model.DocumentKey, error) {
	lo := appendUint32([]byte{kTargetDoc}, uint32(id))
	hi := prefixEnd(lo)
	var out []model.DocumentKey
	err := tx.Range(lo, hi, func(k, _ []byte) error {
		dk, _, err := takeDocKey(k[len(lo):])
		if err != nil {
			return err
		}
		out = append(out, dk)
		return nil
	})
	return out, err
}

// ContainsKey reports whether any real target references the document.
func (TargetCache) ContainsKey(tx Tx, key model.DocumentKey) (bool, error) {
	lo := appendPath([]byte{kDocTarget}, key.Path)
	hi := prefixEnd(lo)
	found := false
	err := tx.Range(lo, hi, func(k, _ []byte) error {
		id, _, err := takeUint32(k[len(lo):])
		if err != nil {
			return err
		}
		if id != sentinelTargetID {
			found = true
			return ErrStopRange
		}
		return nil
	})
	return found, err
}

// ForEachOrphanedDocument visits sentinel rows of documents referenced
// by no target, with their last-activity sequence numbers.
func (c TargetCache) ForEachOrphanedDocument(tx Tx, fn func(key model.DocumentKey, seq int64) error) error {
	lo := []byte{kDocTarget}
	hi := prefixEnd(lo)
	return tx.Range(lo, hi, func(k, v []byte) error {
		dk, rest, err := takeDocKey(k[1:])
		if err != nil {
			return err
		}
		id, _, err := takeUint32(rest)
		if err != nil {
			return err
		}
		if id != sentinelTargetID {
			return nil
		}
		referenced, err := c.ContainsKey(tx, dk)
		if err != nil {
			return err
		}
		if referenced {
			return nil
		}
		return fn(dk, model.UnzipZagInt64(v))
	})
}

// RemoveOrphanedSentinel clears a collected document's sentinel row.
func (TargetCache) RemoveOrphanedSentinel(tx Tx, key model.DocumentKey) error {
	return tx.Delete(docTargetKey(key, sentinelTargetID))
}

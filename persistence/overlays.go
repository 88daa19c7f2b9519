package persistence

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/pkg/errors"
)

// OverlayCache stores one user's condensed mutation overlays keyed by
// document, read on every local document view.
type OverlayCache struct {
	uid string
}

func NewOverlayCache(uid string) *OverlayCache {
	return &OverlayCache{uid: uid}
}

func (c *OverlayCache) Get(tx Tx, key model.DocumentKey) (*mutation.Overlay, error) {
	val, err := tx.Get(overlayKey(c.uid, key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mutation.DecodeOverlay(val)
}

func (c *OverlayCache) GetAll(tx Tx, keys []model.DocumentKey) (map[string]*mutation.Overlay, error) {
	out := make(map[string]*mutation.Overlay, len(keys))
	for _, key := range keys {
		ov, err := c.Get(tx, key)
		if err != nil {
			return nil, err
		}
		if ov != nil {
			out[key.String()] = ov
		}
	}
	return out, nil
}

// Save rewrites the overlays for the given keys: a nil entry clears the
// row (the document no longer carries local changes).
func (c *OverlayCache) Save(tx Tx, largestBatchID mutation.BatchID,
	overlays map[string]*mutation.Mutation) error {
	for keyStr, mu := range overlays {
		path, err := model.ParseResourcePath(keyStr)
		if err != nil {
			return err
		}
		key, err := model.NewDocumentKey(path)
		if err != nil {
			return err
		}
		rowKey := overlayKey(c.uid, key)
		if mu == nil {
			if err := tx.Delete(rowKey); err != nil {
				return err
			}
			continue
		}
		ov := &mutation.Overlay{LargestBatchID: largestBatchID, Mutation: mu}
		if err := tx.Set(rowKey, ov.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// GetForCollection returns the overlays for documents directly inside
// the collection whose largest batch id exceeds since.
func (c *OverlayCache) GetForCollection(tx Tx, collection model.ResourcePath,
	since mutation.BatchID) (map[string]*mutation.Overlay, error) {
	lo := appendPathPrefix(appendPathSeg([]byte{kOverlay}, c.uid), collection)
	hi := prefixEnd(lo)
	prefixLen := len(appendPathSeg([]byte{kOverlay}, c.uid))
	out := map[string]*mutation.Overlay{}
	err := tx.Range(lo, hi, func(k, v []byte) error {
		dk, _, err := takeDocKey(k[prefixLen:])
		if err != nil {
			return err
		}
		if len(dk.Path) != len(collection)+1 {
			return nil
		}
		ov, err := mutation.DecodeOverlay(v)
		if err != nil {
			return err
		}
		if ov.LargestBatchID > since {
			out[dk.String()] = ov
		}
		return nil
	})
	return out, err
}

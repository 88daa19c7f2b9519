package persistence

import (
	"encoding/binary"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// RemoteDocumentCache stores the latest server view of each document,
// keyed by path, with a (collection group, read time) index feeding index
// backfill and limbo-free query execution.
type RemoteDocumentCache struct{}

// Get returns the cached document, or an invalid document when the cache
// holds nothing for the key.
func (RemoteDocumentCache) Get(tx Tx, key model.DocumentKey) (*model.MutableDocument, error) {
	val, err := tx.Get(remoteDocKey(key))
	if errors.Is(err, ErrNotFound) {
		return model.NewInvalidDocument(key), nil
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeDocument(key, val)
}

// GetAll fetches a batch of keys; missing keys yield invalid documents.
func (c RemoteDocumentCache) GetAll(tx Tx, keys []model.DocumentKey) (map[string]*model.MutableDocument, error) {
	out := make(map[string]*model.MutableDocument, len(keys))
	for _, key := range keys {
		doc, err := c.Get(tx, key)
		if err != nil {
			return nil, err
		}
		out[key.String()] = doc
	}
	return out, nil
}

// GetMatching returns all documents directly inside the collection whose
// read time is after offset, in key order.
func (RemoteDocumentCache) GetMatching(tx Tx, collection model.ResourcePath,
	offset index.Offset) ([]*model.MutableDocument, error) {
	lo := appendPathPrefix([]byte{kRemoteDoc}, collection)
	hi := prefixEnd(lo)
	var out []*model.MutableDocument
	err := tx.Range(lo, hi, func(key, value []byte) error {
		dk, _, err := takeDocKey(key[1:])
		if err != nil {
			return err
		}
		// skip subcollection documents sharing the prefix
		if len(dk.Path) != len(collection)+1 {
			return nil
		}
		doc, err := model.DecodeDocument(dk, value)
		if err != nil {
			return err
		}
		if index.OffsetFromDocument(doc, 0).Compare(offset) <= 0 {
			return nil
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

// GetAllFromCollectionGroup walks the read-time index for a collection
// group, returning up to limit documents strictly after offset.
func (RemoteDocumentCache) GetAllFromCollectionGroup(tx Tx, group string,
	offset index.Offset, limit int) ([]*model.MutableDocument, error) {
	lo := appendPathSeg([]byte{kDocReadTime}, group)
	hi := prefixEnd(lo)
	var out []*model.MutableDocument
	err := tx.Range(lo, hi, func(key, _ []byte) error {
		rest := key[len(lo):]
		if len(rest) < 12 {
			return ErrBadStorageKey
		}
		rt := model.SnapshotVersion{Timestamp: model.Timestamp{
			Seconds: int64(binary.BigEndian.Uint64(rest[:8]) ^ (1 << 63)),
			Nanos:   int32(binary.BigEndian.Uint32(rest[8:12])),
		}}
		dk, _, err := takeDocKey(rest[12:])
		if err != nil {
			return err
		}
		if (index.Offset{ReadTime: rt, Key: dk}).Compare(offset) <= 0 {
			return nil
		}
		val, err := tx.Get(remoteDocKey(dk))
		if errors.Is(err, ErrNotFound) {
			// stale index row; the next write under this key sweeps it
			return nil
		}
		if err != nil {
			return err
		}
		doc, err := model.DecodeDocument(dk, val)
		if err != nil {
			return err
		}
		out = append(out, doc)
		if limit > 0 && len(out) >= limit {
			return ErrStopRange
		}
		return nil
	})
	return out, err
}

// ChangeBuffer batches document writes so a transaction touches each row
// once and the cache-size estimate stays incremental.
type ChangeBuffer struct {
	cache   RemoteDocumentCache
	changes map[string]*model.MutableDocument
}

func NewChangeBuffer() *ChangeBuffer {
	return &ChangeBuffer{changes: map[string]*model.MutableDocument{}}
}

// Add stages a document (with its read time set) for writing.
func (b *ChangeBuffer) Add(doc *model.MutableDocument) {
	b.changes[doc.Key.String()] = doc
}

// Get reads through the buffer.
func (b *ChangeBuffer) Get(tx Tx, key model.DocumentKey) (*model.MutableDocument, error) {
	if doc, ok := b.changes[key.String()]; ok {
		return doc.Clone(), nil
	}
	return b.cache.Get(tx, key)
}

// Apply writes all staged documents, maintaining the read-time index and
// the byte-size estimate. Invalid documents remove the row.
func (b *ChangeBuffer) Apply(tx Tx) error {
	g := Globals{}
	for _, doc := range b.changes {
		rowKey := remoteDocKey(doc.Key)
		old, err := tx.Get(rowKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var delta int64
		if old != nil {
			oldDoc, err := model.DecodeDocument(doc.Key, old)
			if err != nil {
				return err
			}
			if err := tx.Delete(docReadTimeKey(doc.Key.CollectionGroup(), oldDoc.ReadTime, doc.Key)); err != nil {
				return err
			}
			delta -= int64(len(rowKey) + len(old))
		}
		if !doc.IsValidDocument() {
			if old != nil {
				if err := tx.Delete(rowKey); err != nil {
					return err
				}
			}
		} else {
			val := doc.Encode()
			if err := tx.Set(rowKey, val); err != nil {
				return err
			}
			if err := tx.Set(docReadTimeKey(doc.Key.CollectionGroup(), doc.ReadTime, doc.Key), nil); err != nil {
				return err
			}
			delta += int64(len(rowKey) + len(val))
		}
		if delta != 0 {
			if err := g.AddCacheBytes(tx, delta); err != nil {
				return err
			}
		}
	}
	b.changes = map[string]*model.MutableDocument{}
	return nil
}

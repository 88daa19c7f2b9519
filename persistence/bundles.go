package persistence

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/pkg/errors"
)

var ErrBadBundleRecord = errors.New("bad bundle record")

// BundleMetadata identifies one loaded data bundle. CreateTime orders
// bundle builds of the same id; a reload of an already-applied build is
// skipped.
type BundleMetadata struct {
	ID             string
	CreateTime     model.SnapshotVersion
	Version        int32
	TotalDocuments int32
	TotalBytes     int64
}

// NamedQuery is a query shape shipped inside a bundle under a stable
// name, with the read time its bundled results are consistent at.
type NamedQuery struct {
	Name     string
	Query    query.Query
	ReadTime model.SnapshotVersion
}

// BundleCache stores applied bundle metadata and the named queries
// bundles carry.
type BundleCache struct{}

func (m *BundleMetadata) encode() []byte {
	return protocol.Record('B', protocol.Join(
		protocol.Record('I', []byte(m.ID)),
		protocol.Record('V', m.CreateTime.Zip()),
		protocol.Record('S', model.ZipZagInt64(int64(m.Version))),
		protocol.Record('N', model.ZipZagInt64(int64(m.TotalDocuments))),
		protocol.Record('T', model.ZipZagInt64(m.TotalBytes)),
	))
}

func decodeBundleMetadata(data []byte) (*BundleMetadata, error) {
	body, _ := protocol.Take('B', data)
	if body == nil {
		return nil, ErrBadBundleRecord
	}
	id, rest := protocol.Take('I', body)
	if id == nil {
		return nil, ErrBadBundleRecord
	}
	created, rest := protocol.Take('V', rest)
	if created == nil {
		return nil, ErrBadBundleRecord
	}
	version, rest := protocol.Take('S', rest)
	if version == nil {
		return nil, ErrBadBundleRecord
	}
	docs, rest := protocol.Take('N', rest)
	if docs == nil {
		return nil, ErrBadBundleRecord
	}
	bytes, _ := protocol.Take('T', rest)
	if bytes == nil {
		return nil, ErrBadBundleRecord
	}
	return &BundleMetadata{
		ID:             string(id),
		CreateTime:     model.SnapshotVersion{Timestamp: model.UnzipTimestamp(created)},
		Version:        int32(model.UnzipZagInt64(version)),
		TotalDocuments: int32(model.UnzipZagInt64(docs)),
		TotalBytes:     model.UnzipZagInt64(bytes),
	}, nil
}

func (nq *NamedQuery) encode() []byte {
	return protocol.Record('Q', protocol.Join(
		protocol.Record('N', []byte(nq.Name)),
		protocol.Record('V', nq.ReadTime.Zip()),
		query.EncodeQuery(nq.Query),
	))
}

func decodeNamedQuery(data []byte) (*NamedQuery, error) {
	body, _ := protocol.Take('Q', data)
	if body == nil {
		return nil, ErrBadBundleRecord
	}
	name, rest := protocol.Take('N', body)
	if name == nil {
		return nil, ErrBadBundleRecord
	}
	readTime, rest := protocol.Take('V', rest)
	if readTime == nil {
		return nil, ErrBadBundleRecord
	}
	q, err := query.DecodeQuery(rest)
	if err != nil {
		return nil, err
	}
	return &NamedQuery{
		Name:     string(name),
		Query:    q,
		ReadTime: model.SnapshotVersion{Timestamp: model.UnzipTimestamp(readTime)},
	}, nil
}

func (BundleCache) SaveBundle(tx Tx, meta *BundleMetadata) error {
	return tx.Set(bundleKey(meta.ID), meta.encode())
}

// GetBundle returns the stored metadata for a bundle id, or nil.
func (BundleCache) GetBundle(tx Tx, id string) (*BundleMetadata, error) {
	val, err := tx.Get(bundleKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBundleMetadata(val)
}

func (BundleCache) SaveNamedQuery(tx Tx, nq *NamedQuery) error {
	return tx.Set(namedQueryKey(nq.Name), nq.encode())
}

// GetNamedQuery returns the stored query under a name, or nil.
func (BundleCache) GetNamedQuery(tx Tx, name string) (*NamedQuery, error) {
	val, err := tx.Get(namedQueryKey(name))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeNamedQuery(val)
}

// ForEachNamedQuery visits every stored named query.
func (BundleCache) ForEachNamedQuery(tx Tx, fn func(nq *NamedQuery) error) error {
	lo := []byte{kNamedQuery}
	hi := prefixEnd(lo)
	return tx.Range(lo, hi, func(_, v []byte) error {
		nq, err := decodeNamedQuery(v)
		if err != nil {
			return err
		}
		return fn(nq)
	})
}

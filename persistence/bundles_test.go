package persistence

import (
	"context"
	"testing"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleMetadataRoundtrip(t *testing.T) {
	meta := &BundleMetadata{
		ID:             "cities-2026",
		CreateTime:     version(1234),
		Version:        1,
		TotalDocuments: 42,
		TotalBytes:     1 << 20,
	}
	got, err := decodeBundleMetadata(meta.encode())
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	_, err = decodeBundleMetadata([]byte{0xff})
	assert.ErrorIs(t, err, ErrBadBundleRecord)
}

func TestNamedQueryRoundtrip(t *testing.T) {
	path, err := model.ParseResourcePath("cities")
	require.NoError(t, err)
	fp, err := model.ParseFieldPath("pop")
	require.NoError(t, err)
	q := query.NewCollectionQuery(path).
		WithFilter(query.Field(fp, query.OpGreater, model.Integer(100000))).
		WithLimit(10, query.LimitFirst)
	nq := &NamedQuery{Name: "big-cities", Query: q, ReadTime: version(99)}

	got, err := decodeNamedQuery(nq.encode())
	require.NoError(t, err)
	assert.Equal(t, nq.Name, got.Name)
	assert.True(t, nq.ReadTime.Equal(got.ReadTime))
	assert.Equal(t, q.CanonicalID(), got.Query.CanonicalID())
}

func TestBundleCache(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		cache := BundleCache{}

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			meta, err := cache.GetBundle(tx, "nope")
			require.NoError(t, err)
			assert.Nil(t, meta)
			nq, err := cache.GetNamedQuery(tx, "nope")
			require.NoError(t, err)
			assert.Nil(t, nq)
			return nil
		}))

		meta := &BundleMetadata{ID: "b1", CreateTime: version(10), Version: 1, TotalDocuments: 2, TotalBytes: 256}
		path, err := model.ParseResourcePath("rooms")
		require.NoError(t, err)
		q := query.NewCollectionQuery(path)
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			require.NoError(t, cache.SaveBundle(tx, meta))
			require.NoError(t, cache.SaveNamedQuery(tx, &NamedQuery{Name: "all-rooms", Query: q, ReadTime: version(10)}))
			require.NoError(t, cache.SaveNamedQuery(tx, &NamedQuery{Name: "other", Query: q, ReadTime: version(11)}))
			return nil
		}))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			got, err := cache.GetBundle(tx, "b1")
			require.NoError(t, err)
			assert.Equal(t, meta, got)

			nq, err := cache.GetNamedQuery(tx, "all-rooms")
			require.NoError(t, err)
			require.NotNil(t, nq)
			assert.Equal(t, q.CanonicalID(), nq.Query.CanonicalID())
			assert.True(t, version(10).Equal(nq.ReadTime))

			var names []string
			require.NoError(t, cache.ForEachNamedQuery(tx, func(nq *NamedQuery) error {
				names = append(names, nq.Name)
				return nil
			}))
			assert.ElementsMatch(t, []string{"all-rooms", "other"}, names)
			return nil
		}))

		// a rebuild of the same bundle id overwrites the stored row
		newer := &BundleMetadata{ID: "b1", CreateTime: version(20), Version: 1, TotalDocuments: 3, TotalBytes: 300}
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return cache.SaveBundle(tx, newer)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			got, err := cache.GetBundle(tx, "b1")
			require.NoError(t, err)
			assert.Equal(t, newer, got)
			return nil
		}))
	})
}

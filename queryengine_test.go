package docsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func popQuery(t *testing.T, op query.Operator, v int64) query.Query {
	return query.NewCollectionQuery(mustPath(t, "cities")).
		WithFilter(query.Field(fieldPath(t, "pop"), op, model.Integer(v)))
}

func resultKeys(docs model.DocumentMap) []string {
	var out []string
	docs.Ascend(func(key model.DocumentKey, _ *model.MutableDocument) bool {
		out = append(out, key.String())
		return true
	})
	return out
}

func TestExecuteQueryFullScan(t *testing.T) {
	ls, _ := newTestStore(t)
	ctx := context.Background()

	_, err := ls.ApplyRemoteEvent(ctx, docUpdateEvent(1,
		foundDoc(t, "cities/SF", 1, "pop", model.Integer(870)),
		foundDoc(t, "cities/LA", 1, "pop", model.Integer(3900)),
		foundDoc(t, "cities/NY", 1, "pop", model.Integer(8400)),
	))
	require.NoError(t, err)

	docs, err := ls.ExecuteQuery(ctx, popQuery(t, query.OpGreater, 1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/LA", "cities/NY"}, resultKeys(docs))
}

func TestExecuteQueryIncludesLocalOnlyDocuments(t *testing.T) {
	ls, _ := newTestStore(t)
	ctx := context.Background()

	_, err := ls.ApplyRemoteEvent(ctx, docUpdateEvent(1,
		foundDoc(t, "cities/SF", 1, "pop", model.Integer(870))))
	require.NoError(t, err)

	// never synced, lives only in the overlay table
	_, _, err = ls.WriteLocally(ctx, []*mutation.Mutation{
		setMutation(t, "cities/Oakland", "pop", model.Integer(430)),
	})
	require.NoError(t, err)

	docs, err := ls.ExecuteQuery(ctx, popQuery(t, query.OpGreater, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/Oakland", "cities/SF"}, resultKeys(docs))

	oakland, ok := docs.Get(model.MustDocumentKey("cities/Oakland"))
	require.True(t, ok)
	assert.True(t, oakland.HasLocalMutations())
}

func TestExecuteQueryServedByIndex(t *testing.T) {
	ls, _ := newTestStore(t)
	ctx := context.Background()

	var docs []*model.MutableDocument
	for i := 0; i < 10; i++ {
		docs = append(docs, foundDoc(t, fmt.Sprintf("cities/c%02d", i), 1,
			"pop", model.Integer(int64(i%3))))
	}
	_, err := ls.ApplyRemoteEvent(ctx, docUpdateEvent(1, docs...))
	require.NoError(t, err)

	err = ls.ConfigureFieldIndexes(ctx, []*index.FieldIndex{{
		CollectionGroup: "cities",
		Segments:        []index.Segment{{Path: fieldPath(t, "pop"), Kind: index.SegmentAscending}},
	}})
	require.NoError(t, err)
	n, err := ls.BackfillIndexes(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	q := popQuery(t, query.OpEqual, 2)
	got, err := ls.ExecuteQuery(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/c02", "cities/c05", "cities/c08"}, resultKeys(got))

	// the planner recorded the serving index for this query shape
	assert.True(t, ls.engine.servingIndex.Contains(q.CanonicalID()))
}

func TestExecuteQueryIndexMergesUnbackfilledDocuments(t *testing.T) {
	ls, _ := newTestStore(t)
	ctx := context.Background()

	_, err := ls.ApplyRemoteEvent(ctx, docUpdateEvent(1,
		foundDoc(t, "cities/SF", 1, "pop", model.Integer(2))))
	require.NoError(t, err)

	err = ls.ConfigureFieldIndexes(ctx, []*index.FieldIndex{{
		CollectionGroup: "cities",
		Segments:        []index.Segment{{Path: fieldPath(t, "pop"), Kind: index.SegmentAscending}},
	}})
	require.NoError(t, err)
	_, err = ls.BackfillIndexes(ctx, 100)
	require.NoError(t, err)

	// arrives after the backfill pass; only the cache knows it
	_, err = ls.ApplyRemoteEvent(ctx, docUpdateEvent(2,
		foundDoc(t, "cities/LA", 2, "pop", model.Integer(2))))
	require.NoError(t, err)

	got, err := ls.ExecuteQuery(ctx, popQuery(t, query.OpEqual, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/LA", "cities/SF"}, resultKeys(got))
}

func TestAutoIndexCreatedAfterExpensiveScan(t *testing.T) {
	p := persistence.New(persistence.NewMemory(), nil, testLog())
	t.Cleanup(func() { _ = p.Close() })
	clk := clock.NewTestClock(time.Unix(1000, 0))
	ls := NewLocalStore(p, "alice", clk, testLog(), true)
	ctx := context.Background()

	var docs []*model.MutableDocument
	for i := 0; i < 150; i++ {
		docs = append(docs, foundDoc(t, fmt.Sprintf("users/u%03d", i), 1,
			"age", model.Integer(int64(i%50))))
	}
	_, err := ls.ApplyRemoteEvent(ctx, docUpdateEvent(1, docs...))
	require.NoError(t, err)

	q := query.NewCollectionQuery(mustPath(t, "users")).
		WithFilter(query.Field(fieldPath(t, "age"), query.OpEqual, model.Integer(7)))
	got, err := ls.ExecuteQuery(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	err = p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		created, err := ls.indexes.FieldIndexes(tx, "users")
		require.NoError(t, err)
		require.Len(t, created, 1)
		require.Len(t, created[0].Segments, 1)
		assert.Equal(t, "age", created[0].Segments[0].Path.String())
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteQueryAfterSyncStaysCorrect(t *testing.T) {
	ls, _ := newTestStore(t)
	ctx := context.Background()

	q := popQuery(t, query.OpGreater, 100)
	td, err := ls.AllocateTarget(ctx, q)
	require.NoError(t, err)

	sf := model.MustDocumentKey("cities/SF")
	_, err = ls.ApplyRemoteEvent(ctx, &remote.RemoteEvent{
		SnapshotVersion: version(5),
		TargetChanges: map[query.TargetID]*remote.TargetChange{
			td.TargetID: {
				ResumeToken:       []byte("tok"),
				Current:           true,
				AddedDocuments:    model.NewKeySet(sf),
				ModifiedDocuments: model.NewKeySet(),
				RemovedDocuments:  model.NewKeySet(),
			},
		},
		TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
		DocumentUpdates:        model.NewDocumentMap().Insert(foundDoc(t, "cities/SF", 5, "pop", model.Integer(870))),
		ResolvedLimboDocuments: model.NewKeySet(),
	})
	require.NoError(t, err)

	// a limbo-free snapshot enables the cached-results strategy
	err = ls.NotifyLocalViewChanges(ctx, []LocalViewChanges{{TargetID: td.TargetID, FromCache: false}})
	require.NoError(t, err)

	// a later change must still surface through the incremental path
	_, err = ls.ApplyRemoteEvent(ctx, docUpdateEvent(6,
		foundDoc(t, "cities/LA", 6, "pop", model.Integer(3900))))
	require.NoError(t, err)

	got, err := ls.ExecuteQuery(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"cities/LA", "cities/SF"}, resultKeys(got))
}

package docsync

import (
	"testing"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docsMap(docs ...*model.MutableDocument) model.DocumentMap {
	out := model.NewDocumentMap()
	for _, d := range docs {
		out = out.Insert(d)
	}
	return out
}

func targetChange(current bool, added ...model.DocumentKey) *remote.TargetChange {
	return &remote.TargetChange{
		Current:           current,
		AddedDocuments:    model.NewKeySet(added...),
		ModifiedDocuments: model.NewKeySet(),
		RemovedDocuments:  model.NewKeySet(),
	}
}

func TestViewInitialSnapshotFromCache(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())

	dc := v.ComputeChanges(docsMap(
		foundDoc(t, "cities/LA", 1, "pop", model.Integer(3900)),
		foundDoc(t, "cities/SF", 1, "pop", model.Integer(870)),
	), nil)
	require.False(t, dc.needsRefill)
	snap, limbo := v.ApplyChanges(dc, nil)

	require.NotNil(t, snap)
	assert.Empty(t, limbo)
	assert.True(t, snap.FromCache)
	assert.Equal(t, 2, snap.Documents.Len())
	require.Len(t, snap.Changes, 2)
	assert.Equal(t, DocAdded, snap.Changes[0].Kind)
	assert.Equal(t, DocAdded, snap.Changes[1].Kind)
}

func TestViewBecomesSynced(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())
	sf := foundDoc(t, "cities/SF", 1, "pop", model.Integer(870))

	dc := v.ComputeChanges(docsMap(sf), nil)
	snap, limbo := v.ApplyChanges(dc, targetChange(true, sf.Key))

	require.NotNil(t, snap)
	assert.Empty(t, limbo)
	assert.False(t, snap.FromCache)
	assert.True(t, snap.SyncStateChanged)
}

func TestViewLimboDetection(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())
	sf := foundDoc(t, "cities/SF", 1, "pop", model.Integer(870))

	// the view holds the document but the server's current target does not
	dc := v.ComputeChanges(docsMap(sf), nil)
	snap, limbo := v.ApplyChanges(dc, targetChange(true))

	require.NotNil(t, snap)
	require.Len(t, limbo, 1)
	assert.True(t, limbo[0].Added)
	assert.Equal(t, sf.Key, limbo[0].Key)
	// unresolved limbo keeps the view from-cache
	assert.True(t, snap.FromCache)

	// the server confirms the document; limbo clears and the view syncs
	dc = v.ComputeChanges(model.NewDocumentMap(), nil)
	snap, limbo = v.ApplyChanges(dc, targetChange(true, sf.Key))
	require.NotNil(t, snap)
	require.Len(t, limbo, 1)
	assert.False(t, limbo[0].Added)
	assert.False(t, snap.FromCache)
}

func TestViewLimitEvictionAndRefill(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities")).WithLimit(2, query.LimitFirst)
	v := NewView(q, model.NewKeySet())

	a := foundDoc(t, "cities/a", 1, "pop", model.Integer(1))
	b := foundDoc(t, "cities/b", 1, "pop", model.Integer(2))
	c := foundDoc(t, "cities/c", 1, "pop", model.Integer(3))

	dc := v.ComputeChanges(docsMap(a, b, c), nil)
	require.False(t, dc.needsRefill)
	snap, _ := v.ApplyChanges(dc, nil)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Documents.Len())
	_, hasC := snap.Documents.Get(c.Key)
	assert.False(t, hasC)

	// deleting a member at the limit needs a requery: the replacement is
	// outside the view's local result set
	gone := model.NewNoDocument(a.Key, version(2))
	dc = v.ComputeChanges(docsMap(gone), nil)
	assert.True(t, dc.needsRefill)

	refilled := v.ComputeChanges(docsMap(b, c), &dc)
	require.False(t, refilled.needsRefill)
	snap, _ = v.ApplyChanges(refilled, nil)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Documents.Len())
	_, hasC = snap.Documents.Get(c.Key)
	assert.True(t, hasC)
}

func TestViewSuppressesCommittedEcho(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())

	local := foundDoc(t, "cities/SF", 1, "pop", model.Integer(900)).SetHasLocalMutations()
	dc := v.ComputeChanges(docsMap(local), nil)
	snap, _ := v.ApplyChanges(dc, nil)
	require.NotNil(t, snap)

	// the acknowledgement echoes older data; the local estimate stays
	committed := foundDoc(t, "cities/SF", 2, "pop", model.Integer(870)).SetHasCommittedMutations()
	dc = v.ComputeChanges(docsMap(committed), nil)
	snap, _ = v.ApplyChanges(dc, nil)
	assert.Nil(t, snap)

	got, ok := v.docs.Get(local.Key)
	require.True(t, ok)
	pop, _ := got.Field(fieldPath(t, "pop"))
	assert.Equal(t, model.Integer(900), pop)
}

func TestViewOnlineStateOfflineDowngrade(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())
	sf := foundDoc(t, "cities/SF", 1, "pop", model.Integer(870))

	dc := v.ComputeChanges(docsMap(sf), nil)
	snap, _ := v.ApplyChanges(dc, targetChange(true, sf.Key))
	require.NotNil(t, snap)
	require.False(t, snap.FromCache)

	snap = v.ApplyOnlineStateChange(remote.OnlineStateOffline)
	require.NotNil(t, snap)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.SyncStateChanged)

	// already offline, nothing to report
	assert.Nil(t, v.ApplyOnlineStateChange(remote.OnlineStateOffline))
}

func TestViewSortedChangeOrder(t *testing.T) {
	q := query.NewCollectionQuery(mustPath(t, "cities"))
	v := NewView(q, model.NewKeySet())

	a := foundDoc(t, "cities/a", 1, "pop", model.Integer(1))
	b := foundDoc(t, "cities/b", 1, "pop", model.Integer(2))
	dc := v.ComputeChanges(docsMap(a, b), nil)
	_, _ = v.ApplyChanges(dc, nil)

	gone := model.NewNoDocument(a.Key, version(2))
	modified := foundDoc(t, "cities/b", 2, "pop", model.Integer(3))
	added := foundDoc(t, "cities/c", 2, "pop", model.Integer(4))
	dc = v.ComputeChanges(docsMap(gone, modified, added), nil)
	snap, _ := v.ApplyChanges(dc, nil)

	require.NotNil(t, snap)
	require.Len(t, snap.Changes, 3)
	assert.Equal(t, DocRemoved, snap.Changes[0].Kind)
	assert.Equal(t, DocAdded, snap.Changes[1].Kind)
	assert.Equal(t, DocModified, snap.Changes[2].Kind)
}

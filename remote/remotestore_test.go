package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu           sync.Mutex
	remoteKeys   map[query.TargetID]model.KeySet
	source       *fakeBatchSource
	events       chan *RemoteEvent
	writes       chan *mutation.BatchResult
	rejections   chan mutation.BatchID
	listenErrors chan query.TargetID
	states       chan OnlineState
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		remoteKeys:   make(map[query.TargetID]model.KeySet),
		events:       make(chan *RemoteEvent, 16),
		writes:       make(chan *mutation.BatchResult, 16),
		rejections:   make(chan mutation.BatchID, 16),
		listenErrors: make(chan query.TargetID, 16),
		states:       make(chan OnlineState, 16),
	}
}

func (f *fakeSyncer) ApplyRemoteEvent(_ context.Context, ev *RemoteEvent) error {
	f.events <- ev
	return nil
}

func (f *fakeSyncer) RejectListen(_ context.Context, id query.TargetID, _ error) error {
	f.listenErrors <- id
	return nil
}

func (f *fakeSyncer) ApplySuccessfulWrite(_ context.Context, result *mutation.BatchResult) error {
	f.source.remove(result.Batch.ID)
	f.writes <- result
	return nil
}

func (f *fakeSyncer) RejectFailedWrite(_ context.Context, id mutation.BatchID, _ error) error {
	f.source.remove(id)
	f.rejections <- id
	return nil
}

func (f *fakeSyncer) GetRemoteKeysForTarget(id query.TargetID) model.KeySet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ks, ok := f.remoteKeys[id]; ok {
		return ks
	}
	return model.NewKeySet()
}

func (f *fakeSyncer) HandleOnlineStateChange(state OnlineState) {
	f.states <- state
}

type fakeBatchSource struct {
	mu      sync.Mutex
	batches []*mutation.Batch
}

func (s *fakeBatchSource) NextBatch(_ context.Context, after mutation.BatchID) (*mutation.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (s *fakeBatchSource) remove(id mutation.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.batches {
		if b.ID == id {
			s.batches = append(s.batches[:i], s.batches[i+1:]...)
			return
		}
	}
}

func roomsTarget(id query.TargetID) *query.TargetData {
	path, err := model.ParseResourcePath("rooms")
	if err != nil {
		panic(err)
	}
	return query.NewTargetData(query.NewCollectionQuery(path), id, query.PurposeListen, 1)
}

func setupRemoteStore(t *testing.T) (*RemoteStore, *fakeSyncer, *fakeBatchSource, *fakeDialer, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	syncer := newFakeSyncer()
	source := &fakeBatchSource{}
	syncer.source = source
	dialer := newFakeDialer()
	rs := NewRemoteStore(syncer, source, dialer, nil, clock.NewDefaultClock(), testLog())
	rs.Start(ctx)
	t.Cleanup(rs.Shutdown)
	return rs, syncer, source, dialer, ctx
}

func TestRemoteStoreListenRaisesSnapshot(t *testing.T) {
	rs, syncer, _, dialer, _ := setupRemoteStore(t)

	rs.Listen(roomsTarget(2))
	conn := waitConn(t, dialer)

	// the re-sent listen arrives once the stream opens
	recs := waitRecs(t, conn)
	body, _ := protocol.Take('A', recs[0])
	require.NotNil(t, body)
	td, err := query.DecodeTargetData(body)
	require.NoError(t, err)
	assert.Equal(t, query.TargetID(2), td.TargetID)

	added := &WatchTargetChange{State: TargetAdded, TargetIDs: []query.TargetID{2}}
	conn.fromServer <- protocol.Records{added.Encode()}

	doc := testDoc("rooms/eros", 4, "name", "eros")
	dc := &WatchDocumentChange{
		UpdatedTargetIDs: []query.TargetID{2}, Key: doc.Key, Document: doc, Version: version(4)}
	conn.fromServer <- protocol.Records{dc.Encode()}

	current := &WatchTargetChange{State: TargetCurrent, TargetIDs: []query.TargetID{2},
		ResumeToken: []byte("tok")}
	conn.fromServer <- protocol.Records{current.Encode()}
	snapshot := &WatchTargetChange{State: TargetNoChange, ReadTime: version(5)}
	conn.fromServer <- protocol.Records{snapshot.Encode()}

	ev := waitSignal(t, syncer.events, "remote event")
	assert.True(t, version(5).Equal(ev.SnapshotVersion))
	require.Contains(t, ev.TargetChanges, query.TargetID(2))
	tc := ev.TargetChanges[2]
	assert.True(t, tc.Current)
	assert.True(t, tc.AddedDocuments.Has(doc.Key))
	assert.Equal(t, []byte("tok"), tc.ResumeToken)

	state := waitSignal(t, syncer.states, "online state")
	assert.Equal(t, OnlineStateOnline, state)
}

func TestRemoteStoreListenRejection(t *testing.T) {
	rs, syncer, _, dialer, _ := setupRemoteStore(t)

	rs.Listen(roomsTarget(2))
	conn := waitConn(t, dialer)
	waitRecs(t, conn)

	removed := &WatchTargetChange{
		State:     TargetRemoved,
		TargetIDs: []query.TargetID{2},
		Cause:     &StatusError{Code: CodePermissionDenied, Message: "denied"},
	}
	conn.fromServer <- protocol.Records{removed.Encode()}

	id := waitSignal(t, syncer.listenErrors, "listen rejection")
	assert.Equal(t, query.TargetID(2), id)
	assert.Nil(t, rs.GetTargetDataForTarget(2))
}

func TestRemoteStoreWritePipeline(t *testing.T) {
	rs, syncer, source, dialer, ctx := setupRemoteStore(t)

	key := model.MustDocumentKey("rooms/eros")
	data := model.NewObjectValue().Set(model.FieldPath{"name"}, model.String("eros"))
	batch := mutation.NewBatch(1, model.Timestamp{Seconds: 100}, nil,
		[]*mutation.Mutation{mutation.NewSetMutation(key, data)})
	source.mu.Lock()
	source.batches = []*mutation.Batch{batch}
	source.mu.Unlock()

	require.NoError(t, rs.FillWritePipeline(ctx))
	assert.Equal(t, 1, rs.WritePipelineLen())

	conn := waitConn(t, dialer)
	// handshake first
	recs := waitRecs(t, conn)
	token, mus, err := DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Empty(t, mus)
	hs := &WriteResponse{StreamToken: []byte("st-1")}
	conn.fromServer <- protocol.Records{hs.Encode()}

	// then the queued batch under the handshake token
	recs = waitRecs(t, conn)
	token, mus, err = DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("st-1"), token)
	require.Len(t, mus, 1)
	assert.True(t, key.Equal(mus[0].Key))

	ack := &WriteResponse{
		StreamToken:   []byte("st-2"),
		CommitVersion: version(101),
		Results:       []mutation.MutationResult{{Version: version(101)}},
	}
	conn.fromServer <- protocol.Records{ack.Encode()}

	result := waitSignal(t, syncer.writes, "write ack")
	assert.Equal(t, mutation.BatchID(1), result.Batch.ID)
	assert.True(t, version(101).Equal(result.CommitVersion))
	assert.Equal(t, []byte("st-2"), result.StreamToken)
	assert.Equal(t, 0, rs.WritePipelineLen())
}

func TestRemoteStoreRejectsPermanentWriteFailure(t *testing.T) {
	rs, syncer, source, dialer, ctx := setupRemoteStore(t)

	key := model.MustDocumentKey("rooms/eros")
	batch := mutation.NewBatch(7, model.Timestamp{Seconds: 100}, nil,
		[]*mutation.Mutation{mutation.NewDeleteMutation(key, mutation.NoPrecondition())})
	source.mu.Lock()
	source.batches = []*mutation.Batch{batch}
	source.mu.Unlock()

	require.NoError(t, rs.FillWritePipeline(ctx))
	conn := waitConn(t, dialer)
	waitRecs(t, conn) // handshake
	hs := &WriteResponse{StreamToken: []byte("st-1")}
	conn.fromServer <- protocol.Records{hs.Encode()}
	waitRecs(t, conn) // the batch

	conn.fromServer <- protocol.Records{
		protocol.Record('E', []byte{byte(CodeInvalidArgument)}, []byte("bad write"))}

	id := waitSignal(t, syncer.rejections, "write rejection")
	assert.Equal(t, mutation.BatchID(7), id)
	assert.Equal(t, 0, rs.WritePipelineLen())
}

func TestRemoteStoreUnlistenSendsRemove(t *testing.T) {
	rs, _, _, dialer, _ := setupRemoteStore(t)

	rs.Listen(roomsTarget(2))
	conn := waitConn(t, dialer)
	waitRecs(t, conn)

	rs.Unlisten(2)
	recs := waitRecs(t, conn)
	body, _ := protocol.Take('R', recs[0])
	require.NotNil(t, body)
	assert.Equal(t, query.TargetID(2), query.TargetID(model.UnzipZagInt64(body)))
}

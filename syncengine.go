package docsync

import (
	"context"
	"sync"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
	"github.com/drpcorg/docsync/utils"
	"github.com/pkg/errors"
)

// maxConcurrentLimboResolutions bounds active single-document listens; a
// large view churn would otherwise flood the watch stream.
const maxConcurrentLimboResolutions = 100

var ErrListenerRemoved = errors.New("listener removed")

// SnapshotListener receives view snapshots; err is terminal for the
// listen (the server rejected the target).
type SnapshotListener func(snap *ViewSnapshot, err error)

// RemoteTargets is the slice of the remote store the engine drives.
type RemoteTargets interface {
	Listen(td *query.TargetData)
	Unlisten(id query.TargetID)
	FillWritePipeline(ctx context.Context) error
}

// Bundle is a prebuilt data package: server documents captured at a
// consistent read time plus the named queries describing them.
type Bundle struct {
	Metadata     *persistence.BundleMetadata
	Documents    []*model.MutableDocument
	NamedQueries []*persistence.NamedQuery
}

type queryView struct {
	query     query.Query
	targetID  query.TargetID
	view      *View
	listeners map[int]SnapshotListener
	nextID    int
}

type limboResolution struct {
	key              model.DocumentKey
	receivedDocument bool
}

// SyncEngine glues the local store, the remote store and the active
// views: it routes writes, fans remote events out to views, resolves
// limbo documents and tracks pending-write waiters. It is the
// remote.RemoteSyncer.
type SyncEngine struct {
	local *LocalStore
	rs    RemoteTargets
	log   utils.Logger
	// notify serializes listener callbacks outside the engine lock, so a
	// listener may call back into the client without deadlocking.
	notify *TaskQueue

	mu               sync.Mutex
	ctx              context.Context
	queryViews       map[string]*queryView
	viewsByTarget    map[query.TargetID]*queryView
	limboTargets     map[string]query.TargetID
	limboResolutions map[query.TargetID]*limboResolution
	limboQueue       []model.DocumentKey
	nextLimboID      query.TargetID
	pendingWrites    map[mutation.BatchID][]chan error
	onlineState      remote.OnlineState
}

func NewSyncEngine(local *LocalStore, log utils.Logger) *SyncEngine {
	return &SyncEngine{
		local:            local,
		log:              log,
		notify:           NewTaskQueue(),
		queryViews:       make(map[string]*queryView),
		viewsByTarget:    make(map[query.TargetID]*queryView),
		limboTargets:     make(map[string]query.TargetID),
		limboResolutions: make(map[query.TargetID]*limboResolution),
		nextLimboID:      1,
		pendingWrites:    make(map[mutation.BatchID][]chan error),
	}
}

// SetRemoteStore completes the wiring; the remote store needs the engine
// as its syncer and the engine needs the store for listens and writes.
func (s *SyncEngine) SetRemoteStore(rs RemoteTargets) {
	s.rs = rs
}

func (s *SyncEngine) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *SyncEngine) Stop() {
	s.notify.Stop()
}

// Listen attaches a listener to a query, allocating the target and
// building the initial view from the local cache on first listen. The
// returned function detaches the listener.
func (s *SyncEngine) Listen(ctx context.Context, q query.Query, listener SnapshotListener) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cid := q.CanonicalID()
	qv, ok := s.queryViews[cid]
	if !ok {
		td, err := s.local.AllocateTarget(ctx, q)
		if err != nil {
			return nil, err
		}
		docs, err := s.local.ExecuteQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		view := NewView(q, s.local.RemoteKeysForTarget(td.TargetID))
		dc := view.ComputeChanges(docs, nil)
		snap, limboChanges := view.ApplyChanges(dc, nil)
		qv = &queryView{
			query:     q,
			targetID:  td.TargetID,
			view:      view,
			listeners: make(map[int]SnapshotListener),
		}
		s.queryViews[cid] = qv
		s.viewsByTarget[td.TargetID] = qv
		s.updateTrackedLimbos(ctx, limboChanges)
		s.rs.Listen(td)
		if snap != nil {
			s.deliver(listener, snap, nil)
		}
	} else {
		s.deliver(listener, qv.view.Snapshot(), nil)
	}

	id := qv.nextID
	qv.nextID++
	qv.listeners[id] = listener

	return func() { s.unlisten(qv, id) }, nil
}

func (s *SyncEngine) unlisten(qv *queryView, listenerID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(qv.listeners, listenerID)
	if len(qv.listeners) > 0 {
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	delete(s.queryViews, qv.query.CanonicalID())
	delete(s.viewsByTarget, qv.targetID)
	s.rs.Unlisten(qv.targetID)
	if err := s.local.ReleaseTarget(ctx, qv.targetID); err != nil {
		s.log.WarnCtx(ctx, "release target failed", "target", qv.targetID, "error", err)
	}
	qv.view.LimboKeys().Ascend(func(k model.DocumentKey) bool {
		s.removeLimboTargetIfOrphaned(k)
		return true
	})
}

// Write applies mutations locally and schedules them for the backend.
// The returned channel resolves once the server acknowledges or
// permanently rejects the batch.
func (s *SyncEngine) Write(ctx context.Context, mutations []*mutation.Mutation) (mutation.BatchID, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, changed, err := s.local.WriteLocally(ctx, mutations)
	if err != nil {
		return 0, nil, err
	}
	ack := make(chan error, 1)
	s.pendingWrites[batch.ID] = append(s.pendingWrites[batch.ID], ack)
	s.emitNewSnapshots(ctx, changed, nil)
	if err := s.rs.FillWritePipeline(ctx); err != nil {
		s.log.WarnCtx(ctx, "fill write pipeline failed", "error", err)
	}
	return batch.ID, ack, nil
}

// LoadBundle installs a prebuilt data bundle into the local cache and
// re-emits snapshots over the affected views. An equal or newer build of
// the same bundle id was already applied when it returns false.
func (s *SyncEngine) LoadBundle(ctx context.Context, b *Bundle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip, err := s.local.HasNewerBundle(ctx, b.Metadata)
	if err != nil || skip {
		return false, err
	}
	changed, err := s.local.ApplyBundledDocuments(ctx, b.Documents)
	if err != nil {
		return false, err
	}
	for _, nq := range b.NamedQueries {
		keys := model.NewKeySet()
		for _, doc := range b.Documents {
			if doc.IsFoundDocument() && nq.Query.Matches(doc) {
				keys = keys.Add(doc.Key)
			}
		}
		if err := s.local.SaveNamedQuery(ctx, nq, keys); err != nil {
			return false, err
		}
	}
	if err := s.local.SaveBundle(ctx, b.Metadata); err != nil {
		return false, err
	}
	s.emitNewSnapshots(ctx, changed, nil)
	return true, nil
}

// WaitForPendingWrites resolves once every batch queued at call time is
// acknowledged or rejected.
func (s *SyncEngine) WaitForPendingWrites(ctx context.Context) (<-chan error, error) {
	// the lock spans the queue read and the registration, so an
	// acknowledgement arriving in between cannot strand the waiter
	s.mu.Lock()
	defer s.mu.Unlock()
	highest, err := s.local.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	if highest < 0 {
		done <- nil
		return done, nil
	}
	s.pendingWrites[highest] = append(s.pendingWrites[highest], done)
	return done, nil
}

// OnlineState reports the engine's current connectivity estimate.
func (s *SyncEngine) OnlineState() remote.OnlineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineState
}

// ActiveTargets lists targets the garbage collector must not touch.
func (s *SyncEngine) ActiveTargets() map[query.TargetID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[query.TargetID]bool, len(s.viewsByTarget))
	for id := range s.viewsByTarget {
		out[id] = true
	}
	return out
}

// RemoteSyncer implementation.

func (s *SyncEngine) ApplyRemoteEvent(ctx context.Context, ev *remote.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, res := range s.limboResolutions {
		tc, ok := ev.TargetChanges[id]
		if !ok {
			continue
		}
		if tc.AddedDocuments.Has(res.key) || tc.ModifiedDocuments.Has(res.key) {
			res.receivedDocument = true
		} else if tc.RemovedDocuments.Has(res.key) {
			res.receivedDocument = false
		}
		if tc.Current && !res.receivedDocument {
			// the target is consistent and the document never arrived:
			// it does not exist at this snapshot
			ev.DocumentUpdates = ev.DocumentUpdates.Insert(
				model.NewNoDocument(res.key, ev.SnapshotVersion))
		}
	}

	changed, err := s.local.ApplyRemoteEvent(ctx, ev)
	if err != nil {
		return err
	}
	s.emitNewSnapshots(ctx, changed, ev)
	return nil
}

func (s *SyncEngine) RejectListen(ctx context.Context, id query.TargetID, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.limboResolutions[id]; ok {
		// the document is gone or unreadable; synthesize a deletion so the
		// views converge instead of retrying forever
		key := res.key
		delete(s.limboResolutions, id)
		delete(s.limboTargets, key.String())
		s.pumpLimboQueue(ctx)

		ev := &remote.RemoteEvent{
			SnapshotVersion:        model.MinVersion(),
			TargetChanges:          map[query.TargetID]*remote.TargetChange{},
			TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
			DocumentUpdates:        model.NewDocumentMap().Insert(model.NewNoDocument(key, model.MinVersion())),
			ResolvedLimboDocuments: model.NewKeySet(),
		}
		changed, err := s.local.ApplyRemoteEvent(ctx, ev)
		if err != nil {
			return err
		}
		s.emitNewSnapshots(ctx, changed, nil)
		return nil
	}

	qv := s.viewsByTarget[id]
	if qv == nil {
		return nil
	}
	delete(s.queryViews, qv.query.CanonicalID())
	delete(s.viewsByTarget, id)
	if err := s.local.ReleaseTarget(ctx, id); err != nil {
		s.log.WarnCtx(ctx, "release rejected target failed", "target", id, "error", err)
	}
	for _, l := range qv.listeners {
		s.deliver(l, nil, cause)
	}
	return nil
}

func (s *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.local.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	s.resolvePendingWrite(result.Batch.ID, nil)
	s.emitNewSnapshots(ctx, changed, nil)
	return nil
}

func (s *SyncEngine) RejectFailedWrite(ctx context.Context, id mutation.BatchID, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.local.RejectBatch(ctx, id)
	if err != nil {
		return err
	}
	s.log.WarnCtx(ctx, "write batch rejected", "batch", id, "error", cause)
	s.resolvePendingWrite(id, cause)
	s.emitNewSnapshots(ctx, changed, nil)
	return nil
}

func (s *SyncEngine) GetRemoteKeysForTarget(id query.TargetID) model.KeySet {
	s.mu.Lock()
	res, isLimbo := s.limboResolutions[id]
	s.mu.Unlock()
	if isLimbo {
		if res.receivedDocument {
			return model.NewKeySet(res.key)
		}
		return model.NewKeySet()
	}
	return s.local.RemoteKeysForTarget(id)
}

func (s *SyncEngine) HandleOnlineStateChange(state remote.OnlineState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineState = state
	for _, qv := range s.queryViews {
		if snap := qv.view.ApplyOnlineStateChange(state); snap != nil {
			for _, l := range qv.listeners {
				s.deliver(l, snap, nil)
			}
		}
	}
}

// emitNewSnapshots re-evaluates every view against the changed documents
// and delivers the resulting snapshots. Called with s.mu held.
func (s *SyncEngine) emitNewSnapshots(ctx context.Context, changed model.DocumentMap, ev *remote.RemoteEvent) {
	var viewChangesOut []LocalViewChanges
	for _, qv := range s.queryViews {
		dc := qv.view.ComputeChanges(changed, nil)
		if dc.needsRefill {
			docs, err := s.local.ExecuteQuery(ctx, qv.query)
			if err != nil {
				s.log.WarnCtx(ctx, "view refill failed", "target", qv.targetID, "error", err)
				continue
			}
			dc = qv.view.ComputeChanges(docs, &dc)
		}
		var tc *remote.TargetChange
		if ev != nil {
			tc = ev.TargetChanges[qv.targetID]
		}
		snap, limboChanges := qv.view.ApplyChanges(dc, tc)
		s.updateTrackedLimbos(ctx, limboChanges)
		if snap != nil {
			for _, l := range qv.listeners {
				s.deliver(l, snap, nil)
			}
			viewChangesOut = append(viewChangesOut, LocalViewChanges{
				TargetID:  qv.targetID,
				FromCache: snap.FromCache,
			})
		}
	}
	if len(viewChangesOut) > 0 {
		if err := s.local.NotifyLocalViewChanges(ctx, viewChangesOut); err != nil {
			s.log.WarnCtx(ctx, "notify local view changes failed", "error", err)
		}
	}
}

// Limbo resolution. Called with s.mu held.

func (s *SyncEngine) updateTrackedLimbos(ctx context.Context, changes []LimboChange) {
	for _, lc := range changes {
		if lc.Added {
			if _, tracked := s.limboTargets[lc.Key.String()]; tracked {
				continue
			}
			s.log.DebugCtx(ctx, "new limbo document", "key", lc.Key)
			s.limboQueue = append(s.limboQueue, lc.Key)
		} else {
			s.removeLimboTargetIfOrphaned(lc.Key)
		}
	}
	s.pumpLimboQueue(ctx)
}

func (s *SyncEngine) pumpLimboQueue(ctx context.Context) {
	for len(s.limboQueue) > 0 && len(s.limboResolutions) < maxConcurrentLimboResolutions {
		key := s.limboQueue[0]
		s.limboQueue = s.limboQueue[1:]
		if _, tracked := s.limboTargets[key.String()]; tracked {
			continue
		}
		id := s.nextLimboID
		s.nextLimboID += 2
		s.limboTargets[key.String()] = id
		s.limboResolutions[id] = &limboResolution{key: key}
		s.log.DebugCtx(ctx, "starting limbo resolution", "key", key, "target", id)
		td := query.NewTargetData(query.NewDocumentQuery(key), id, query.PurposeLimboResolution, 0)
		s.rs.Listen(td)
	}
}

// removeLimboTargetIfOrphaned drops the limbo listen for a key unless
// another view still holds it in limbo.
func (s *SyncEngine) removeLimboTargetIfOrphaned(key model.DocumentKey) {
	for _, qv := range s.queryViews {
		if qv.view.LimboKeys().Has(key) {
			return
		}
	}
	for i, queued := range s.limboQueue {
		if queued.Equal(key) {
			s.limboQueue = append(s.limboQueue[:i], s.limboQueue[i+1:]...)
			break
		}
	}
	id, ok := s.limboTargets[key.String()]
	if !ok {
		return
	}
	delete(s.limboTargets, key.String())
	delete(s.limboResolutions, id)
	s.rs.Unlisten(id)
}

func (s *SyncEngine) resolvePendingWrite(id mutation.BatchID, err error) {
	for _, ch := range s.pendingWrites[id] {
		ch <- err
	}
	delete(s.pendingWrites, id)
}

// deliver hands a callback to the notification queue; listeners run in
// registration order but outside the engine lock.
func (s *SyncEngine) deliver(listener SnapshotListener, snap *ViewSnapshot, err error) {
	if qErr := s.notify.Enqueue(func() { listener(snap, err) }); qErr != nil {
		s.log.Warn("snapshot delivery dropped", "error", qErr)
	}
}

package remote

import (
	"context"
	"sync"
	"time"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const (
	// maxPendingWrites bounds the batches in flight plus queued on the
	// write stream.
	maxPendingWrites = 10

	// maxWatchStreamFailures before the client reports itself offline.
	maxWatchStreamFailures = 2
	// onlineStateTimeout turns a slow first connection into Offline so
	// the UI can fall back to cached data.
	onlineStateTimeout = 10 * time.Second
)

// OnlineState is the client's best guess about backend reachability.
type OnlineState byte

const (
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// RemoteSyncer is the sync engine as seen from the remote store.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, ev *RemoteEvent) error
	RejectListen(ctx context.Context, id query.TargetID, err error) error
	ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error
	RejectFailedWrite(ctx context.Context, batchID mutation.BatchID, err error) error
	GetRemoteKeysForTarget(id query.TargetID) model.KeySet
	HandleOnlineStateChange(state OnlineState)
}

// BatchSource hands the remote store the next unacknowledged local
// batch, nil when the queue is drained.
type BatchSource interface {
	NextBatch(ctx context.Context, after mutation.BatchID) (*mutation.Batch, error)
}

// RemoteStore owns the two streams and mediates between them and the
// sync engine: multiplexing listens onto the watch stream, keeping the
// write pipeline full, and tracking online state.
type RemoteStore struct {
	syncer  RemoteSyncer
	batches BatchSource
	dialer  Dialer
	creds   CredentialsProvider
	clk     clock.Clock
	log     utils.Logger

	watch *WatchStream
	write *WriteStream

	mu             sync.Mutex
	ctx            context.Context
	agg            *WatchChangeAggregator
	listenTargets  map[query.TargetID]*query.TargetData
	writePipeline  []*mutation.Batch
	networkEnabled bool

	onlineState   OnlineState
	watchFailures int
	onlineGen     int
}

func NewRemoteStore(syncer RemoteSyncer, batches BatchSource, dialer Dialer,
	creds CredentialsProvider, clk clock.Clock, log utils.Logger) *RemoteStore {
	rs := &RemoteStore{
		syncer:        syncer,
		batches:       batches,
		dialer:        dialer,
		creds:         creds,
		clk:           clk,
		log:           log,
		listenTargets: make(map[query.TargetID]*query.TargetData),
	}
	rs.agg = NewWatchChangeAggregator(rs, log)
	rs.watch = NewWatchStream(dialer, creds, clk, log,
		rs.onWatchOpen, rs.onWatchChange, rs.onWatchClose)
	rs.write = NewWriteStream(dialer, creds, clk, log,
		rs.onWriteOpen, rs.onWriteHandshake, rs.onWriteResponse, rs.onWriteClose)
	return rs
}

// Start enables the network. The context bounds all stream activity.
func (rs *RemoteStore) Start(ctx context.Context) {
	rs.mu.Lock()
	rs.ctx = ctx
	rs.mu.Unlock()
	rs.EnableNetwork()
}

func (rs *RemoteStore) EnableNetwork() {
	rs.mu.Lock()
	rs.networkEnabled = true
	ctx := rs.ctx
	rs.mu.Unlock()
	if ctx == nil {
		return
	}
	rs.watch.InhibitBackoff()
	rs.write.InhibitBackoff()
	rs.startStreamsIfNeeded(ctx)
}

// DisableNetwork stops both streams and reports Offline; listens and
// the write pipeline stay queued for re-enable.
func (rs *RemoteStore) DisableNetwork() {
	rs.mu.Lock()
	rs.networkEnabled = false
	rs.mu.Unlock()
	rs.watch.Stop()
	rs.write.Stop()
	rs.setOnlineState(OnlineStateOffline)
}

func (rs *RemoteStore) Shutdown() {
	rs.mu.Lock()
	rs.networkEnabled = false
	rs.writePipeline = nil
	rs.mu.Unlock()
	rs.watch.Stop()
	rs.write.Stop()
	rs.setOnlineState(OnlineStateUnknown)
}

// WritePipelineLen reports in-flight plus queued batches.
func (rs *RemoteStore) WritePipelineLen() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.writePipeline)
}

// Listen starts watching a target.
func (rs *RemoteStore) Listen(td *query.TargetData) {
	rs.mu.Lock()
	if _, dup := rs.listenTargets[td.TargetID]; dup {
		rs.mu.Unlock()
		return
	}
	rs.listenTargets[td.TargetID] = td
	ctx := rs.ctx
	enabled := rs.networkEnabled
	rs.mu.Unlock()
	if !enabled || ctx == nil {
		return
	}
	if rs.watch.IsOpen() {
		rs.sendWatchRequest(ctx, td)
	} else {
		rs.watch.Start(ctx)
	}
}

// Unlisten stops watching a target.
func (rs *RemoteStore) Unlisten(id query.TargetID) {
	rs.mu.Lock()
	_, known := rs.listenTargets[id]
	delete(rs.listenTargets, id)
	ctx := rs.ctx
	rs.mu.Unlock()
	if !known {
		return
	}
	if rs.watch.IsOpen() {
		rs.sendUnwatchRequest(ctx, id)
		rs.mu.Lock()
		empty := len(rs.listenTargets) == 0
		rs.mu.Unlock()
		if empty {
			rs.watch.MarkIdle(ctx)
		}
	}
}

func (rs *RemoteStore) sendWatchRequest(ctx context.Context, td *query.TargetData) {
	rs.agg.RecordPendingTargetRequest(td.TargetID)
	if err := rs.watch.WatchTarget(ctx, td); err != nil {
		rs.log.WarnCtx(ctx, "watch request failed", "target", td.TargetID, "error", err)
	}
}

func (rs *RemoteStore) sendUnwatchRequest(ctx context.Context, id query.TargetID) {
	rs.agg.RecordPendingTargetRequest(id)
	if err := rs.watch.UnwatchTarget(ctx, id); err != nil {
		rs.log.WarnCtx(ctx, "unwatch request failed", "target", id, "error", err)
	}
}

// FillWritePipeline pulls local batches until the pipeline is full and
// sends them once the stream has completed its handshake. Called after
// local writes and after every acknowledgement.
func (rs *RemoteStore) FillWritePipeline(ctx context.Context) error {
	for rs.canAddToWritePipeline() {
		after := mutation.BatchID(-1)
		rs.mu.Lock()
		if n := len(rs.writePipeline); n > 0 {
			after = rs.writePipeline[n-1].ID
		}
		rs.mu.Unlock()
		batch, err := rs.batches.NextBatch(ctx, after)
		if err != nil {
			return err
		}
		if batch == nil {
			rs.mu.Lock()
			empty := len(rs.writePipeline) == 0
			rs.mu.Unlock()
			if empty && rs.write.IsOpen() {
				rs.write.MarkIdle(ctx)
			}
			break
		}
		rs.addToWritePipeline(ctx, batch)
	}
	if rs.shouldStartWriteStream() {
		rs.write.Start(ctx)
	}
	return nil
}

func (rs *RemoteStore) canAddToWritePipeline() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.networkEnabled && len(rs.writePipeline) < maxPendingWrites
}

func (rs *RemoteStore) addToWritePipeline(ctx context.Context, batch *mutation.Batch) {
	rs.mu.Lock()
	rs.writePipeline = append(rs.writePipeline, batch)
	rs.mu.Unlock()
	rs.write.CancelIdle()
	if rs.write.IsOpen() && rs.write.HandshakeComplete() {
		if err := rs.write.WriteMutations(ctx, batch.Mutations); err != nil {
			rs.log.WarnCtx(ctx, "write request failed", "batch", batch.ID, "error", err)
		}
	}
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.networkEnabled && !rs.write.IsStarted() && len(rs.writePipeline) > 0
}

func (rs *RemoteStore) startStreamsIfNeeded(ctx context.Context) {
	rs.mu.Lock()
	watchNeeded := rs.networkEnabled && len(rs.listenTargets) > 0
	writeNeeded := rs.networkEnabled && len(rs.writePipeline) > 0
	rs.mu.Unlock()
	if watchNeeded {
		rs.watch.Start(ctx)
	}
	if writeNeeded {
		rs.write.Start(ctx)
	}
}

// TargetMetadataProvider for the aggregator.

func (rs *RemoteStore) GetRemoteKeysForTarget(id query.TargetID) model.KeySet {
	return rs.syncer.GetRemoteKeysForTarget(id)
}

func (rs *RemoteStore) GetTargetDataForTarget(id query.TargetID) *query.TargetData {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.listenTargets[id]
}

// Watch stream callbacks.

func (rs *RemoteStore) onWatchOpen() {
	rs.mu.Lock()
	ctx := rs.ctx
	targets := make([]*query.TargetData, 0, len(rs.listenTargets))
	for _, td := range rs.listenTargets {
		targets = append(targets, td)
	}
	rs.mu.Unlock()
	rs.startOnlineTimeout(ctx)
	for _, td := range targets {
		rs.sendWatchRequest(ctx, td)
	}
}

func (rs *RemoteStore) onWatchChange(change WatchChange) error {
	rs.mu.Lock()
	ctx := rs.ctx
	rs.mu.Unlock()
	// any message proves the backend is reachable
	rs.markOnline()

	switch c := change.(type) {
	case *WatchTargetChange:
		if c.State == TargetRemoved && c.Cause != nil {
			return rs.handleTargetError(ctx, c)
		}
		rs.agg.HandleTargetChange(c)
		if c.State == TargetNoChange && len(c.TargetIDs) == 0 && !c.ReadTime.IsZero() {
			return rs.raiseWatchSnapshot(ctx, c.ReadTime)
		}
	case *WatchDocumentChange:
		rs.agg.HandleDocumentChange(c)
	case *WatchExistenceFilter:
		rs.agg.HandleExistenceFilter(c)
	}
	return nil
}

func (rs *RemoteStore) handleTargetError(ctx context.Context, c *WatchTargetChange) error {
	for _, id := range c.TargetIDs {
		rs.mu.Lock()
		_, known := rs.listenTargets[id]
		delete(rs.listenTargets, id)
		rs.mu.Unlock()
		if !known {
			continue
		}
		rs.agg.RemoveTarget(id)
		if err := rs.syncer.RejectListen(ctx, id, c.Cause); err != nil {
			return err
		}
	}
	return nil
}

// raiseWatchSnapshot closes the aggregation window at version and hands
// the event to the sync engine. Mismatched targets are re-listened with
// a cleared resume token before the event applies.
func (rs *RemoteStore) raiseWatchSnapshot(ctx context.Context, version model.SnapshotVersion) error {
	ev := rs.agg.CreateRemoteEvent(version)
	for id, purpose := range ev.TargetMismatches {
		rs.mu.Lock()
		td := rs.listenTargets[id]
		rs.mu.Unlock()
		if td == nil {
			continue
		}
		fresh := query.NewTargetData(td.Target, id, purpose, td.SequenceNumber)
		rs.mu.Lock()
		rs.listenTargets[id] = fresh
		rs.mu.Unlock()
		rs.sendUnwatchRequest(ctx, id)
		rs.sendWatchRequest(ctx, fresh)
	}
	remoteEvents.Inc()
	return rs.syncer.ApplyRemoteEvent(ctx, ev)
}

func (rs *RemoteStore) onWatchClose(err error) {
	streamCloses.WithLabelValues(StreamWatch).Inc()
	rs.mu.Lock()
	ctx := rs.ctx
	needed := rs.networkEnabled && len(rs.listenTargets) > 0
	// pending aggregation state refers to the dead connection
	rs.agg = NewWatchChangeAggregator(rs, rs.log)
	rs.mu.Unlock()
	if !needed {
		return
	}
	rs.handleWatchStreamFailure(err)
	rs.watch.Start(ctx)
}

// Write stream callbacks.

func (rs *RemoteStore) onWriteOpen() {
	rs.mu.Lock()
	ctx := rs.ctx
	rs.mu.Unlock()
	if err := rs.write.WriteHandshake(ctx); err != nil {
		rs.log.WarnCtx(ctx, "write handshake failed", "error", err)
	}
}

func (rs *RemoteStore) onWriteHandshake() error {
	rs.mu.Lock()
	ctx := rs.ctx
	pipeline := append([]*mutation.Batch(nil), rs.writePipeline...)
	rs.mu.Unlock()
	for _, batch := range pipeline {
		if err := rs.write.WriteMutations(ctx, batch.Mutations); err != nil {
			return err
		}
	}
	return nil
}

func (rs *RemoteStore) onWriteResponse(resp *WriteResponse) error {
	rs.mu.Lock()
	ctx := rs.ctx
	var batch *mutation.Batch
	if len(rs.writePipeline) > 0 {
		batch = rs.writePipeline[0]
		rs.writePipeline = rs.writePipeline[1:]
	}
	rs.mu.Unlock()
	if batch == nil {
		return ErrBadWriteRecord
	}
	writeBatchesAcked.WithLabelValues("acked").Inc()
	result := &mutation.BatchResult{
		Batch:         batch,
		CommitVersion: resp.CommitVersion,
		Results:       resp.Results,
		StreamToken:   resp.StreamToken,
	}
	if err := rs.syncer.ApplySuccessfulWrite(ctx, result); err != nil {
		return err
	}
	return rs.FillWritePipeline(ctx)
}

func (rs *RemoteStore) onWriteClose(err error) {
	streamCloses.WithLabelValues(StreamWrite).Inc()
	rs.mu.Lock()
	ctx := rs.ctx
	enabled := rs.networkEnabled
	pending := len(rs.writePipeline)
	rs.mu.Unlock()
	if !enabled || pending == 0 {
		return
	}

	var serr *StatusError
	if errors.As(err, &serr) && serr.Code.IsPermanentWriteError() {
		rs.mu.Lock()
		batch := rs.writePipeline[0]
		rs.writePipeline = rs.writePipeline[1:]
		rs.mu.Unlock()
		writeBatchesAcked.WithLabelValues("rejected").Inc()
		// the rejection consumed the poisoned batch; the stream token is
		// still valid, reconnect immediately
		rs.write.InhibitBackoff()
		if rejErr := rs.syncer.RejectFailedWrite(ctx, batch.ID, serr); rejErr != nil {
			rs.log.WarnCtx(ctx, "write rejection failed", "batch", batch.ID, "error", rejErr)
		}
		if err := rs.FillWritePipeline(ctx); err != nil {
			rs.log.WarnCtx(ctx, "refill write pipeline failed", "error", err)
		}
	}

	rs.mu.Lock()
	needed := rs.networkEnabled && len(rs.writePipeline) > 0
	rs.mu.Unlock()
	if needed {
		rs.write.Start(ctx)
	}
}

// Online state tracking.

func (rs *RemoteStore) setOnlineState(state OnlineState) {
	rs.mu.Lock()
	changed := rs.onlineState != state
	rs.onlineState = state
	if state == OnlineStateOnline {
		rs.watchFailures = 0
	}
	rs.onlineGen++
	rs.mu.Unlock()
	if changed {
		rs.syncer.HandleOnlineStateChange(state)
	}
}

func (rs *RemoteStore) markOnline() {
	rs.setOnlineState(OnlineStateOnline)
}

// startOnlineTimeout reports Offline if the first snapshot does not
// arrive in time; cached results are better than a spinner.
func (rs *RemoteStore) startOnlineTimeout(ctx context.Context) {
	rs.mu.Lock()
	if rs.onlineState != OnlineStateUnknown {
		rs.mu.Unlock()
		return
	}
	gen := rs.onlineGen
	rs.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-rs.clk.TickAfter(onlineStateTimeout):
			rs.mu.Lock()
			expired := rs.onlineGen == gen && rs.onlineState == OnlineStateUnknown
			rs.mu.Unlock()
			if expired {
				rs.setOnlineState(OnlineStateOffline)
			}
		}
	}()
}

func (rs *RemoteStore) handleWatchStreamFailure(err error) {
	rs.mu.Lock()
	rs.watchFailures++
	failures := rs.watchFailures
	state := rs.onlineState
	rs.mu.Unlock()
	rs.log.Debug("watch stream failure", "failures", failures, "error", err)
	if state == OnlineStateOnline || failures >= maxWatchStreamFailures {
		rs.setOnlineState(OnlineStateOffline)
	}
}

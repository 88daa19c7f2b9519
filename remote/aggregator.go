package remote

import (
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
)

// TargetMetadataProvider is the aggregator's window into local state: which
// targets are listened to and which keys the server has confirmed for them.
type TargetMetadataProvider interface {
	GetRemoteKeysForTarget(id query.TargetID) model.KeySet
	GetTargetDataForTarget(id query.TargetID) *query.TargetData
}

// TargetChange is the per-target delta of one remote event.
type TargetChange struct {
	ResumeToken []byte
	// Current means the server guaranteed the target is consistent with
	// the event's snapshot version.
	Current           bool
	AddedDocuments    model.KeySet
	ModifiedDocuments model.KeySet
	RemovedDocuments  model.KeySet
}

func newTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.NewKeySet(),
		ModifiedDocuments: model.NewKeySet(),
		RemovedDocuments:  model.NewKeySet(),
	}
}

// RemoteEvent is a consistent cut of watch stream activity, raised at a
// snapshot version.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[query.TargetID]*TargetChange
	// TargetMismatches are targets whose local state diverged from the
	// server (existence filter mismatch); they must be re-listened from
	// scratch under the recorded purpose.
	TargetMismatches map[query.TargetID]query.TargetPurpose
	DocumentUpdates  model.DocumentMap
	// ResolvedLimboDocuments exist on the server and were seen only by
	// limbo resolution targets.
	ResolvedLimboDocuments model.KeySet
}

type changeType byte

const (
	changeAdded    changeType = 'a'
	changeModified changeType = 'm'
	changeRemoved  changeType = 'r'
)

// targetState accumulates one target's deltas between remote events.
type targetState struct {
	// pendingResponses counts sent add/remove requests the server has not
	// acknowledged; events for the target are suppressed until it drains.
	pendingResponses int
	documentChanges  map[string]changeType
	changedKeys      map[string]model.DocumentKey
	resumeToken      []byte
	current          bool
	hasChanges       bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges: make(map[string]changeType),
		changedKeys:     make(map[string]model.DocumentKey),
	}
}

func (ts *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		ts.hasChanges = true
		ts.resumeToken = append([]byte(nil), token...)
	}
}

func (ts *targetState) markCurrent() {
	ts.hasChanges = true
	ts.current = true
}

func (ts *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	ts.hasChanges = true
	ts.documentChanges[key.String()] = ct
	ts.changedKeys[key.String()] = key
}

func (ts *targetState) removeDocumentChange(key model.DocumentKey) {
	ts.hasChanges = true
	ts.documentChanges[key.String()] = changeRemoved
	ts.changedKeys[key.String()] = key
}

func (ts *targetState) clearChanges() {
	ts.documentChanges = make(map[string]changeType)
	ts.changedKeys = make(map[string]model.DocumentKey)
	ts.hasChanges = false
}

func (ts *targetState) toTargetChange() *TargetChange {
	tc := newTargetChange()
	tc.Current = ts.current
	tc.ResumeToken = ts.resumeToken
	for ks, ct := range ts.documentChanges {
		key := ts.changedKeys[ks]
		switch ct {
		case changeAdded:
			tc.AddedDocuments = tc.AddedDocuments.Add(key)
		case changeModified:
			tc.ModifiedDocuments = tc.ModifiedDocuments.Add(key)
		case changeRemoved:
			tc.RemovedDocuments = tc.RemovedDocuments.Add(key)
		}
	}
	return tc
}

// WatchChangeAggregator folds the raw watch stream into RemoteEvents.
// Not safe for concurrent use; the remote store serializes access.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider
	log      utils.Logger

	targetStates map[query.TargetID]*targetState
	// pendingDocumentUpdates is the newest known state per changed doc.
	pendingDocumentUpdates map[string]*model.MutableDocument
	// pendingDocumentTargetMapping tracks which targets saw each doc;
	// false marks an explicit removal.
	pendingDocumentTargetMapping map[string]map[query.TargetID]bool
	pendingTargetResets          map[query.TargetID]query.TargetPurpose
}

func NewWatchChangeAggregator(provider TargetMetadataProvider, log utils.Logger) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:                     provider,
		log:                          log,
		targetStates:                 make(map[query.TargetID]*targetState),
		pendingDocumentUpdates:       make(map[string]*model.MutableDocument),
		pendingDocumentTargetMapping: make(map[string]map[query.TargetID]bool),
		pendingTargetResets:          make(map[query.TargetID]query.TargetPurpose),
	}
}

func (a *WatchChangeAggregator) ensureTargetState(id query.TargetID) *targetState {
	ts := a.targetStates[id]
	if ts == nil {
		ts = newTargetState()
		a.targetStates[id] = ts
	}
	return ts
}

// RecordPendingTargetRequest notes an in-flight add or remove request.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id query.TargetID) {
	a.ensureTargetState(id).pendingResponses++
}

// RemoveTarget forgets local aggregation state after an unlisten.
func (a *WatchChangeAggregator) RemoveTarget(id query.TargetID) {
	delete(a.targetStates, id)
}

func (a *WatchChangeAggregator) isActiveTarget(id query.TargetID) bool {
	ts := a.targetStates[id]
	if ts != nil && ts.pendingResponses > 0 {
		return false
	}
	return a.provider.GetTargetDataForTarget(id) != nil
}

// HandleDocumentChange routes one document message into the affected
// target states.
func (a *WatchChangeAggregator) HandleDocumentChange(dc *WatchDocumentChange) {
	for _, id := range dc.UpdatedTargetIDs {
		if dc.Document != nil {
			a.addDocumentToTarget(id, dc.Document)
		}
	}
	for _, id := range dc.RemovedTargetIDs {
		var update *model.MutableDocument
		if dc.Document == nil && !dc.Removed {
			update = model.NewNoDocument(dc.Key, dc.Version)
		}
		a.removeDocumentFromTarget(id, dc.Key, update)
	}
	if len(dc.UpdatedTargetIDs) == 0 && len(dc.RemovedTargetIDs) == 0 && dc.Document == nil && !dc.Removed {
		// a bare delete addresses every target that knows the doc
		for id := range a.targetStates {
			if a.targetContainsDocument(id, dc.Key) {
				a.removeDocumentFromTarget(id, dc.Key, model.NewNoDocument(dc.Key, dc.Version))
			}
		}
	}
}

// HandleTargetChange applies a lifecycle message. An empty target list
// addresses every active target.
func (a *WatchChangeAggregator) HandleTargetChange(tc *WatchTargetChange) {
	for _, id := range a.effectiveTargetIDs(tc) {
		ts := a.ensureTargetState(id)
		switch tc.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				ts.updateResumeToken(tc.ResumeToken)
			}
		case TargetAdded:
			// response to our add request; pairs with RecordPendingTargetRequest
			if ts.pendingResponses > 0 {
				ts.pendingResponses--
			}
			if ts.pendingResponses == 0 {
				ts.clearChanges()
			}
			ts.updateResumeToken(tc.ResumeToken)
		case TargetRemoved:
			if ts.pendingResponses > 0 {
				ts.pendingResponses--
			}
			// a removal with a cause is surfaced by the remote store as a
			// listen rejection; nothing aggregates here
		case TargetCurrent:
			if a.isActiveTarget(id) {
				ts.markCurrent()
				ts.updateResumeToken(tc.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				a.resetTarget(id)
				ts.updateResumeToken(tc.ResumeToken)
			}
		}
	}
}

func (a *WatchChangeAggregator) effectiveTargetIDs(tc *WatchTargetChange) []query.TargetID {
	if len(tc.TargetIDs) > 0 {
		return tc.TargetIDs
	}
	ids := make([]query.TargetID, 0, len(a.targetStates))
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter reconciles the server's matching-document count
// against local state. A bloom filter, when present, can explain the
// divergence by naming which cached keys no longer match; only an
// unexplained mismatch forces a full target re-listen.
func (a *WatchChangeAggregator) HandleExistenceFilter(ef *WatchExistenceFilter) {
	id := ef.TargetID
	if !a.isActiveTarget(id) {
		return
	}
	td := a.provider.GetTargetDataForTarget(id)
	if td.Purpose == query.PurposeLimboResolution {
		if ef.Count == 0 {
			// the limbo doc no longer exists; synthesize the deletion
			key, err := model.NewDocumentKey(td.Target.Path)
			if err == nil {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.MinVersion()))
			}
		}
		return
	}

	current := a.currentDocumentCount(id)
	if current == ef.Count {
		return
	}
	if ef.Bloom != nil {
		removed := a.applyBloomFilter(id, ef.Bloom)
		if current-removed == ef.Count {
			// the filter explains the gap; no reset needed
			existenceFilterMismatches.WithLabelValues("explained").Inc()
			return
		}
	}
	existenceFilterMismatches.WithLabelValues("reset").Inc()
	a.resetTarget(id)
	a.pendingTargetResets[id] = query.PurposeExistenceFilterMismatch
}

// currentDocumentCount is the confirmed remote keys adjusted by changes
// pending in this aggregation window.
func (a *WatchChangeAggregator) currentDocumentCount(id query.TargetID) int {
	count := a.provider.GetRemoteKeysForTarget(id).Len()
	ts := a.targetStates[id]
	if ts == nil {
		return count
	}
	remote := a.provider.GetRemoteKeysForTarget(id)
	for ks, ct := range ts.documentChanges {
		key := ts.changedKeys[ks]
		switch ct {
		case changeAdded:
			if !remote.Has(key) {
				count++
			}
		case changeRemoved:
			if remote.Has(key) {
				count--
			}
		}
	}
	return count
}

// applyBloomFilter removes every confirmed key the filter rejects and
// returns how many were removed.
func (a *WatchChangeAggregator) applyBloomFilter(id query.TargetID, bloom *BloomFilter) int {
	removed := 0
	a.provider.GetRemoteKeysForTarget(id).Ascend(func(key model.DocumentKey) bool {
		if !bloom.MightContain(key.String()) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
		return true
	})
	return removed
}

// resetTarget drops everything known about the target: all confirmed
// docs become removals and the target is no longer current.
func (a *WatchChangeAggregator) resetTarget(id query.TargetID) {
	ts := a.ensureTargetState(id)
	ts.clearChanges()
	ts.current = false
	ts.hasChanges = true
	ts.resumeToken = nil
	a.provider.GetRemoteKeysForTarget(id).Ascend(func(key model.DocumentKey) bool {
		ts.removeDocumentChange(key)
		a.ensureDocumentTargetMapping(key)[id] = false
		return true
	})
}

func (a *WatchChangeAggregator) addDocumentToTarget(id query.TargetID, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	ts := a.ensureTargetState(id)
	if a.targetContainsDocument(id, doc.Key) {
		ts.addDocumentChange(doc.Key, changeModified)
	} else {
		ts.addDocumentChange(doc.Key, changeAdded)
	}
	a.pendingDocumentUpdates[doc.Key.String()] = doc
	a.ensureDocumentTargetMapping(doc.Key)[id] = true
}

func (a *WatchChangeAggregator) removeDocumentFromTarget(id query.TargetID,
	key model.DocumentKey, update *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	a.ensureTargetState(id).removeDocumentChange(key)
	a.ensureDocumentTargetMapping(key)[id] = false
	if update != nil {
		a.pendingDocumentUpdates[key.String()] = update
	}
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[query.TargetID]bool {
	m := a.pendingDocumentTargetMapping[key.String()]
	if m == nil {
		m = make(map[query.TargetID]bool)
		a.pendingDocumentTargetMapping[key.String()] = m
	}
	return m
}

// targetContainsDocument checks confirmed keys plus this window's
// pending additions.
func (a *WatchChangeAggregator) targetContainsDocument(id query.TargetID, key model.DocumentKey) bool {
	if m, ok := a.pendingDocumentTargetMapping[key.String()]; ok {
		if seen, ok := m[id]; ok {
			return seen
		}
	}
	return a.provider.GetRemoteKeysForTarget(id).Has(key)
}

// CreateRemoteEvent closes the aggregation window and raises one
// consistent event at the given snapshot version.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *RemoteEvent {
	ev := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          make(map[query.TargetID]*TargetChange),
		TargetMismatches:       make(map[query.TargetID]query.TargetPurpose),
		DocumentUpdates:        model.NewDocumentMap(),
		ResolvedLimboDocuments: model.NewKeySet(),
	}

	for ks, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := len(targets) > 0
		for id, seen := range targets {
			if !seen {
				continue
			}
			td := a.provider.GetTargetDataForTarget(id)
			if td != nil && td.Purpose != query.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			if doc, ok := a.pendingDocumentUpdates[ks]; ok && doc.IsFoundDocument() {
				ev.ResolvedLimboDocuments = ev.ResolvedLimboDocuments.Add(doc.Key)
			}
		}
	}

	for _, doc := range a.pendingDocumentUpdates {
		ev.DocumentUpdates = ev.DocumentUpdates.Insert(doc)
	}

	for id, ts := range a.targetStates {
		if !a.isActiveTarget(id) {
			continue
		}
		if ts.pendingResponses > 0 || !ts.hasChanges {
			continue
		}
		ev.TargetChanges[id] = ts.toTargetChange()
		ts.clearChanges()
	}
	for id, purpose := range a.pendingTargetResets {
		ev.TargetMismatches[id] = purpose
	}

	a.pendingDocumentUpdates = make(map[string]*model.MutableDocument)
	a.pendingDocumentTargetMapping = make(map[string]map[query.TargetID]bool)
	a.pendingTargetResets = make(map[query.TargetID]query.TargetPurpose)
	return ev
}

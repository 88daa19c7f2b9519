package docsync

import (
	"sort"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
)

// SyncState says whether a view's contents are confirmed by the server.
type SyncState byte

const (
	SyncStateLocal SyncState = iota
	SyncStateSynced
)

// DocChangeKind classifies one document's movement within a view.
type DocChangeKind byte

const (
	DocAdded    = DocChangeKind('a')
	DocModified = DocChangeKind('m')
	DocRemoved  = DocChangeKind('r')
	// DocMetadata means only pending-write status changed.
	DocMetadata = DocChangeKind('d')
)

// DocumentChange is one entry of a snapshot's change list.
type DocumentChange struct {
	Kind DocChangeKind
	Doc  *model.MutableDocument
}

// ViewSnapshot is what listeners receive: the new result set, the diff
// against the previous one and consistency metadata.
type ViewSnapshot struct {
	Query            query.Query
	Documents        model.DocumentSet
	OldDocuments     model.DocumentSet
	Changes          []DocumentChange
	FromCache        bool
	HasPendingWrites bool
	SyncStateChanged bool
}

// LimboChange reports a document entering or leaving limbo: it sits in
// the view but the server has not confirmed it belongs there.
type LimboChange struct {
	Key   model.DocumentKey
	Added bool
}

// View maintains one query's result set across local writes and remote
// events, computing the minimal diff per change.
type View struct {
	query      query.Query
	docs       model.DocumentSet
	syncedKeys model.KeySet
	limboKeys  model.KeySet
	mutated    model.KeySet
	current    bool
	syncState  SyncState
}

func NewView(q query.Query, remoteKeys model.KeySet) *View {
	return &View{
		query:      q,
		docs:       model.NewDocumentSet(q.Comparator()),
		syncedKeys: remoteKeys,
		limboKeys:  model.NewKeySet(),
		mutated:    model.NewKeySet(),
	}
}

func (v *View) LimboKeys() model.KeySet {
	return v.limboKeys
}

// viewChanges is the intermediate diff of ComputeChanges, applied later
// once the caller knows whether a refill query is needed.
type viewChanges struct {
	docs        model.DocumentSet
	changes     map[string]DocumentChange
	mutated     model.KeySet
	needsRefill bool
}

// ComputeChanges folds a set of changed documents into the view's result
// set. previous threads an earlier diff through a refill re-run. For
// limit queries, evicting the boundary document means the view can no
// longer tell what enters from below, so needsRefill asks for a requery.
func (v *View) ComputeChanges(updates model.DocumentMap, previous *viewChanges) viewChanges {
	out := viewChanges{
		docs:    v.docs,
		changes: map[string]DocumentChange{},
		mutated: v.mutated,
	}
	if previous != nil {
		out.docs = previous.docs
		out.changes = previous.changes
		out.mutated = previous.mutated
	}
	cmp := v.query.Comparator()

	var lastInLimit, firstInLimit *model.MutableDocument
	if v.query.Limit > 0 && int64(out.docs.Len()) == v.query.Limit {
		if v.query.LimitKind == query.LimitFirst {
			lastInLimit, _ = out.docs.Last()
		} else {
			firstInLimit, _ = out.docs.First()
		}
	}

	updates.Ascend(func(key model.DocumentKey, updated *model.MutableDocument) bool {
		oldDoc, hadOld := out.docs.Get(key)
		var newDoc *model.MutableDocument
		if v.query.Matches(updated) {
			newDoc = updated
		}
		applied := false
		switch {
		case hadOld && newDoc != nil:
			if !oldDoc.Data.Equal(newDoc.Data) || oldDoc.DocType != newDoc.DocType {
				// a committed write echoes back with the old data until the
				// watch stream delivers the server version; keep showing
				// the local estimate
				if !(oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations()) {
					out.changes[key.String()] = DocumentChange{Kind: DocModified, Doc: newDoc}
					applied = true
					if (lastInLimit != nil && cmp(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && cmp(newDoc, firstInLimit) < 0) {
						out.needsRefill = true
					}
				}
			} else if oldDoc.HasPendingWrites() != newDoc.HasPendingWrites() {
				out.changes[key.String()] = DocumentChange{Kind: DocMetadata, Doc: newDoc}
				applied = true
			}
		case !hadOld && newDoc != nil:
			out.changes[key.String()] = DocumentChange{Kind: DocAdded, Doc: newDoc}
			applied = true
		case hadOld && newDoc == nil:
			out.changes[key.String()] = DocumentChange{Kind: DocRemoved, Doc: oldDoc}
			applied = true
			if lastInLimit != nil || firstInLimit != nil {
				// the replacement sits outside the local result set
				out.needsRefill = true
			}
		}
		if applied {
			if newDoc != nil {
				out.docs = out.docs.Add(newDoc)
				if newDoc.HasLocalMutations() {
					out.mutated = out.mutated.Add(key)
				} else {
					out.mutated = out.mutated.Remove(key)
				}
			} else {
				out.docs = out.docs.Delete(key)
				out.mutated = out.mutated.Remove(key)
			}
		}
		return true
	})

	if v.query.Limit > 0 {
		for int64(out.docs.Len()) > v.query.Limit {
			var evicted *model.MutableDocument
			if v.query.LimitKind == query.LimitFirst {
				evicted, _ = out.docs.Last()
			} else {
				evicted, _ = out.docs.First()
			}
			out.docs = out.docs.Delete(evicted.Key)
			out.mutated = out.mutated.Remove(evicted.Key)
			out.changes[evicted.Key.String()] = DocumentChange{Kind: DocRemoved, Doc: evicted}
		}
	}
	return out
}

// ApplyChanges commits a computed diff, updates sync and limbo state and
// produces a snapshot when anything user-visible changed. The caller must
// have resolved needsRefill first.
func (v *View) ApplyChanges(dc viewChanges, tc *remote.TargetChange) (*ViewSnapshot, []LimboChange) {
	oldDocs := v.docs
	v.docs = dc.docs
	v.mutated = dc.mutated

	if tc != nil {
		tc.AddedDocuments.Ascend(func(k model.DocumentKey) bool {
			v.syncedKeys = v.syncedKeys.Add(k)
			return true
		})
		tc.ModifiedDocuments.Ascend(func(k model.DocumentKey) bool {
			v.syncedKeys = v.syncedKeys.Add(k)
			return true
		})
		tc.RemovedDocuments.Ascend(func(k model.DocumentKey) bool {
			v.syncedKeys = v.syncedKeys.Remove(k)
			return true
		})
		if tc.Current {
			v.current = true
		}
	}

	limboChanges := v.updateLimboKeys()
	newState := SyncStateLocal
	if v.current && v.limboKeys.IsEmpty() {
		newState = SyncStateSynced
	}
	stateChanged := newState != v.syncState
	v.syncState = newState

	changes := sortedChanges(dc.changes, v.query.Comparator())
	if len(changes) == 0 && !stateChanged {
		return nil, limboChanges
	}
	return &ViewSnapshot{
		Query:            v.query,
		Documents:        v.docs,
		OldDocuments:     oldDocs,
		Changes:          changes,
		FromCache:        newState == SyncStateLocal,
		HasPendingWrites: !v.mutated.IsEmpty(),
		SyncStateChanged: stateChanged,
	}, limboChanges
}

// ApplyOnlineStateChange downgrades the view to from-cache when the
// client goes offline; the result set itself is unchanged.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) *ViewSnapshot {
	if state == remote.OnlineStateOffline && v.current {
		v.current = false
		snap, _ := v.ApplyChanges(viewChanges{
			docs:    v.docs,
			changes: map[string]DocumentChange{},
			mutated: v.mutated,
		}, nil)
		return snap
	}
	return nil
}

// Snapshot re-issues the current state for a newly attached listener.
func (v *View) Snapshot() *ViewSnapshot {
	return &ViewSnapshot{
		Query:            v.query,
		Documents:        v.docs,
		OldDocuments:     model.NewDocumentSet(v.query.Comparator()),
		FromCache:        v.syncState == SyncStateLocal,
		HasPendingWrites: !v.mutated.IsEmpty(),
	}
}

// updateLimboKeys diffs the limbo set: a found document in a current view
// that the server never confirmed and that carries no local mutations is
// in limbo until a direct lookup resolves it.
func (v *View) updateLimboKeys() []LimboChange {
	if !v.current {
		return nil
	}
	want := model.NewKeySet()
	v.docs.Ascend(func(doc *model.MutableDocument) bool {
		if doc.IsFoundDocument() && !doc.HasLocalMutations() && !v.syncedKeys.Has(doc.Key) {
			want = want.Add(doc.Key)
		}
		return true
	})
	var out []LimboChange
	want.Ascend(func(k model.DocumentKey) bool {
		if !v.limboKeys.Has(k) {
			out = append(out, LimboChange{Key: k, Added: true})
		}
		return true
	})
	v.limboKeys.Ascend(func(k model.DocumentKey) bool {
		if !want.Has(k) {
			out = append(out, LimboChange{Key: k, Added: false})
		}
		return true
	})
	v.limboKeys = want
	return out
}

// sortedChanges orders the change list for delivery: removals first, then
// additions, then modifications, each group in view order.
func sortedChanges(changes map[string]DocumentChange, cmp model.DocumentComparator) []DocumentChange {
	out := make([]DocumentChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, c)
	}
	rank := func(k DocChangeKind) int {
		switch k {
		case DocRemoved:
			return 0
		case DocAdded:
			return 1
		case DocModified:
			return 2
		default:
			return 3
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank(out[i].Kind), rank(out[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return cmp(out[i].Doc, out[j].Doc) < 0
	})
	return out
}

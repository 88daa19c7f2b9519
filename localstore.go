package docsync

import (
	"context"
	"sync"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/remote"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
)

// LocalStore mediates between the in-memory engine state and persistence:
// every mutation, acknowledgement, remote event and query runs through it
// inside one transaction, keeping the mutation queue, overlays, remote
// document cache and target links consistent with each other.
type LocalStore struct {
	p      *persistence.Persistence
	clk    clock.Clock
	log    utils.Logger
	engine *QueryEngine

	globals  persistence.Globals
	docs     persistence.RemoteDocumentCache
	queue    *persistence.MutationQueue
	overlays *persistence.OverlayCache
	targets  persistence.TargetCache
	indexes  *persistence.IndexStore
	bundles  persistence.BundleCache

	mu             sync.Mutex
	targetDataByID map[query.TargetID]*query.TargetData
}

func NewLocalStore(p *persistence.Persistence, uid string, clk clock.Clock,
	log utils.Logger, autoIndexing bool) *LocalStore {
	ls := &LocalStore{
		p:              p,
		clk:            clk,
		log:            log,
		queue:          persistence.NewMutationQueue(uid),
		overlays:       persistence.NewOverlayCache(uid),
		indexes:        persistence.NewIndexStore(uid),
		targetDataByID: make(map[query.TargetID]*query.TargetData),
	}
	ls.engine = NewQueryEngine(ls.docs, ls.overlays, ls.indexes, ls.globals, log, autoIndexing)
	return ls
}

// ReadDocument returns the local view of one document: the cached server
// state with the pending overlay applied.
func (ls *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	var doc *model.MutableDocument
	err := ls.p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		var err error
		doc, err = ls.localDocument(tx, key)
		return err
	})
	return doc, err
}

// WriteLocally accepts a batch of user mutations: assigns a batch id,
// captures base values for increment transforms, enqueues the batch and
// recomputes the overlays of every affected document. The returned map
// holds the new local views.
func (ls *LocalStore) WriteLocally(ctx context.Context, mutations []*mutation.Mutation) (*mutation.Batch, model.DocumentMap, error) {
	localWriteTime := model.TimestampFromTime(ls.clk.Now())
	keys := mutation.AffectedKeys(mutations)
	var batch *mutation.Batch
	changed := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		existing := make(map[string]*model.MutableDocument, keys.Len())
		for _, key := range keys.Keys() {
			doc, err := ls.localDocument(tx, key)
			if err != nil {
				return err
			}
			existing[key.String()] = doc
		}
		base := baseMutations(mutations, existing)

		id, err := ls.globals.HighestBatchID(tx)
		if err != nil {
			return err
		}
		id++
		if err := ls.globals.SetHighestBatchID(tx, id); err != nil {
			return err
		}
		batch = mutation.NewBatch(mutation.BatchID(id), localWriteTime, base, mutations)
		if err := ls.queue.Add(tx, batch); err != nil {
			return err
		}
		changed, err = ls.recalculateOverlays(tx, keys)
		return err
	})
	if err != nil {
		return nil, model.NewDocumentMap(), err
	}
	ls.log.DebugCtx(ctx, "local write accepted", "batch", batch.ID, "mutations", len(mutations))
	return batch, changed, nil
}

// baseMutations captures the pre-write values of increment-transformed
// fields, so replaying the batch over an already-updated cache stays
// idempotent. Server timestamps need no base and array transforms are
// recomputed from whatever is present.
func baseMutations(mutations []*mutation.Mutation, docs map[string]*model.MutableDocument) []*mutation.Mutation {
	var out []*mutation.Mutation
	for _, mu := range mutations {
		doc := docs[mu.Key.String()]
		if doc == nil || !mu.Precondition.IsValidFor(doc) {
			continue
		}
		value := model.NewObjectValue()
		mask := mutation.NewFieldMask()
		for _, t := range mu.Transforms {
			if t.Kind != mutation.IncrementTransform {
				continue
			}
			if v, ok := doc.Field(t.Path); ok {
				value = value.Set(t.Path, v)
			}
			mask.Append(t.Path)
		}
		if len(mask.Paths) > 0 {
			out = append(out, mutation.NewPatchMutation(mu.Key, value, mask, mutation.NoPrecondition()))
		}
	}
	return out
}

// AcknowledgeBatch replays a server-acknowledged batch over the remote
// document cache, drops it from the queue and recomputes the overlays.
func (ls *LocalStore) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (model.DocumentMap, error) {
	changed := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		stored, err := ls.queue.Lookup(tx, result.Batch.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			// a previous tab already applied this acknowledgement
			return nil
		}
		buffer := persistence.NewChangeBuffer()
		var reindex []*model.MutableDocument
		for i, mu := range stored.Mutations {
			if i >= len(result.Results) {
				break
			}
			doc, err := buffer.Get(tx, mu.Key)
			if err != nil {
				return err
			}
			if doc.Version.Compare(result.Results[i].Version) >= 0 {
				continue
			}
			mu.ApplyToRemoteDocument(doc, result.Results[i])
			doc.SetReadTime(result.CommitVersion)
			buffer.Add(doc)
			reindex = append(reindex, doc)
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}
		for _, doc := range reindex {
			if err := ls.indexes.UpdateEntries(tx, doc); err != nil {
				return err
			}
		}
		if err := ls.queue.Remove(tx, stored); err != nil {
			return err
		}
		if len(result.StreamToken) > 0 {
			if err := ls.globals.SetLastStreamToken(tx, result.StreamToken); err != nil {
				return err
			}
		}
		changed, err = ls.recalculateOverlays(tx, stored.Keys())
		return err
	})
	return changed, err
}

// RejectBatch drops a permanently rejected batch; the affected documents
// revert to the remaining queued mutations.
func (ls *LocalStore) RejectBatch(ctx context.Context, id mutation.BatchID) (model.DocumentMap, error) {
	changed := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		stored, err := ls.queue.Lookup(tx, id)
		if err != nil {
			return err
		}
		if stored == nil {
			return nil
		}
		if err := ls.queue.Remove(tx, stored); err != nil {
			return err
		}
		changed, err = ls.recalculateOverlays(tx, stored.Keys())
		return err
	})
	return changed, err
}

// NextBatch implements remote.BatchSource.
func (ls *LocalStore) NextBatch(ctx context.Context, after mutation.BatchID) (*mutation.Batch, error) {
	var batch *mutation.Batch
	err := ls.p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		var err error
		batch, err = ls.queue.NextAfter(tx, after)
		return err
	})
	return batch, err
}

// HighestUnacknowledgedBatchID returns the id of the newest queued batch,
// or -1 when the queue is empty.
func (ls *LocalStore) HighestUnacknowledgedBatchID(ctx context.Context) (mutation.BatchID, error) {
	highest := mutation.BatchID(-1)
	err := ls.p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		batches, err := ls.queue.All(tx)
		if err != nil {
			return err
		}
		if len(batches) > 0 {
			highest = batches[len(batches)-1].ID
		}
		return nil
	})
	return highest, err
}

// ApplyRemoteEvent folds one consistent cut of watch-stream activity into
// the cache: target links, resume tokens, document updates and the global
// snapshot high-water mark. Returns the updated local views.
func (ls *LocalStore) ApplyRemoteEvent(ctx context.Context, ev *remote.RemoteEvent) (model.DocumentMap, error) {
	changed := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		for id, tc := range ev.TargetChanges {
			td := ls.GetTargetData(id)
			if td == nil {
				continue
			}
			if err := ls.targets.RemoveMatchingKeys(tx, tc.RemovedDocuments.Keys(), id, td.SequenceNumber); err != nil {
				return err
			}
			if err := ls.targets.AddMatchingKeys(tx, tc.AddedDocuments.Keys(), id, td.SequenceNumber); err != nil {
				return err
			}
			if err := ls.targets.AddMatchingKeys(tx, tc.ModifiedDocuments.Keys(), id, td.SequenceNumber); err != nil {
				return err
			}
			if len(tc.ResumeToken) > 0 {
				updated := td.WithResumeToken(tc.ResumeToken, ev.SnapshotVersion)
				ls.setTargetData(updated)
				if err := ls.targets.Update(tx, updated); err != nil {
					return err
				}
			}
		}
		// mismatched targets restart from scratch; a stale persisted token
		// would resume the diverged state
		for id := range ev.TargetMismatches {
			td := ls.GetTargetData(id)
			if td == nil {
				continue
			}
			cleared := td.WithResumeToken(nil, model.MinVersion())
			ls.setTargetData(cleared)
			if err := ls.targets.Update(tx, cleared); err != nil {
				return err
			}
		}

		buffer := persistence.NewChangeBuffer()
		var reindex []*model.MutableDocument
		changedKeys := model.NewKeySet()
		var walkErr error
		ev.DocumentUpdates.Ascend(func(key model.DocumentKey, doc *model.MutableDocument) bool {
			existing, err := buffer.Get(tx, key)
			if err != nil {
				walkErr = err
				return false
			}
			switch {
			case !existing.IsValidDocument(),
				doc.Version.Compare(existing.Version) > 0,
				doc.Version.Equal(existing.Version) && existing.HasPendingWrites(),
				// limbo resolutions synthesize deletions at the minimum
				// version; they always win over the cached entry
				doc.IsNoDocument() && doc.Version.IsZero():
				applied := doc.Clone()
				applied.SetReadTime(ev.SnapshotVersion)
				buffer.Add(applied)
				reindex = append(reindex, applied)
				changedKeys = changedKeys.Add(key)
			default:
				ls.log.DebugCtx(ctx, "ignoring stale document update",
					"key", key, "cached", existing.Version, "update", doc.Version)
			}
			return true
		})
		if walkErr != nil {
			return walkErr
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}
		for _, doc := range reindex {
			if err := ls.indexes.UpdateEntries(tx, doc); err != nil {
				return err
			}
		}

		if !ev.SnapshotVersion.IsZero() {
			last, err := ls.globals.LastRemoteVersion(tx)
			if err != nil {
				return err
			}
			if ev.SnapshotVersion.Compare(last) > 0 {
				if err := ls.globals.SetLastRemoteVersion(tx, ev.SnapshotVersion); err != nil {
					return err
				}
			}
		}

		var err error
		changed, err = ls.localViews(tx, changedKeys)
		return err
	})
	return changed, err
}

// HasNewerBundle reports whether a bundle with the same id and an equal
// or later build time was already applied, so the loader can skip it.
func (ls *LocalStore) HasNewerBundle(ctx context.Context, meta *persistence.BundleMetadata) (bool, error) {
	newer := false
	err := ls.p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		stored, err := ls.bundles.GetBundle(tx, meta.ID)
		if err != nil {
			return err
		}
		newer = stored != nil && stored.CreateTime.Compare(meta.CreateTime) >= 0
		return nil
	})
	return newer, err
}

// SaveBundle records a fully applied bundle's metadata.
func (ls *LocalStore) SaveBundle(ctx context.Context, meta *persistence.BundleMetadata) error {
	return ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		return ls.bundles.SaveBundle(tx, meta)
	})
}

// ApplyBundledDocuments loads bundled server documents into the remote
// document cache. The same freshness rules as for watch-stream updates
// apply: a bundled document older than the cached server state is
// dropped rather than regressing the cache. Returns the new local views
// of the accepted documents.
func (ls *LocalStore) ApplyBundledDocuments(ctx context.Context, docs []*model.MutableDocument) (model.DocumentMap, error) {
	changed := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		buffer := persistence.NewChangeBuffer()
		var reindex []*model.MutableDocument
		changedKeys := model.NewKeySet()
		for _, doc := range docs {
			existing, err := buffer.Get(tx, doc.Key)
			if err != nil {
				return err
			}
			switch {
			case !existing.IsValidDocument(),
				doc.Version.Compare(existing.Version) > 0,
				doc.Version.Equal(existing.Version) && existing.HasPendingWrites():
				applied := doc.Clone()
				applied.SetReadTime(doc.Version)
				buffer.Add(applied)
				reindex = append(reindex, applied)
				changedKeys = changedKeys.Add(doc.Key)
			default:
				ls.log.DebugCtx(ctx, "ignoring stale bundled document",
					"key", doc.Key, "cached", existing.Version, "bundled", doc.Version)
			}
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}
		for _, doc := range reindex {
			if err := ls.indexes.UpdateEntries(tx, doc); err != nil {
				return err
			}
		}
		var err error
		changed, err = ls.localViews(tx, changedKeys)
		return err
	})
	return changed, err
}

// SaveNamedQuery stores a bundle's named query together with the target
// links of the documents its bundled results cover, so a later listen on
// the query resumes from the bundle's read time instead of rerunning
// from scratch.
func (ls *LocalStore) SaveNamedQuery(ctx context.Context, nq *persistence.NamedQuery, keys model.KeySet) error {
	td, err := ls.AllocateTarget(ctx, nq.Query)
	if err != nil {
		return err
	}
	return ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		if nq.ReadTime.Compare(td.SnapshotVersion) > 0 {
			existingKeys, err := ls.targets.MatchingKeys(tx, td.TargetID)
			if err != nil {
				return err
			}
			if err := ls.targets.RemoveMatchingKeys(tx, existingKeys, td.TargetID, td.SequenceNumber); err != nil {
				return err
			}
			if err := ls.targets.AddMatchingKeys(tx, keys.Keys(), td.TargetID, td.SequenceNumber); err != nil {
				return err
			}
			updated := td.WithResumeToken(nq.ReadTime.Zip(), nq.ReadTime)
			ls.setTargetData(updated)
			if err := ls.targets.Update(tx, updated); err != nil {
				return err
			}
		}
		return ls.bundles.SaveNamedQuery(tx, nq)
	})
}

// GetNamedQuery returns the stored named query, or nil.
func (ls *LocalStore) GetNamedQuery(ctx context.Context, name string) (*persistence.NamedQuery, error) {
	var nq *persistence.NamedQuery
	err := ls.p.Run(ctx, persistence.ReadOnly, func(tx persistence.Tx) error {
		var err error
		nq, err = ls.bundles.GetNamedQuery(tx, name)
		return err
	})
	return nq, err
}

// AllocateTarget returns the stored target for the query shape, creating
// one under a fresh even id if none exists. Odd ids belong to ephemeral
// limbo listens and are never persisted.
func (ls *LocalStore) AllocateTarget(ctx context.Context, q query.Query) (*query.TargetData, error) {
	var td *query.TargetData
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		existing, err := ls.targets.Get(tx, q)
		if err != nil {
			return err
		}
		if existing != nil {
			td = existing
			return nil
		}
		id, err := ls.globals.HighestTargetID(tx)
		if err != nil {
			return err
		}
		id += 2
		if err := ls.globals.SetHighestTargetID(tx, id); err != nil {
			return err
		}
		seq, err := ls.globals.NextSequenceNumber(tx)
		if err != nil {
			return err
		}
		td = query.NewTargetData(q, query.TargetID(id), query.PurposeListen, seq)
		return ls.targets.Add(tx, td)
	})
	if err != nil {
		return nil, err
	}
	ls.setTargetData(td)
	return td, nil
}

// ReleaseTarget detaches the engine from a target. The stored row stays
// behind with a fresh sequence number so a later listen resumes from its
// token and the garbage collector ages it out fairly.
func (ls *LocalStore) ReleaseTarget(ctx context.Context, id query.TargetID) error {
	ls.mu.Lock()
	delete(ls.targetDataByID, id)
	ls.mu.Unlock()
	return ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		td, err := ls.targets.GetByID(tx, id)
		if err != nil || td == nil {
			return err
		}
		seq, err := ls.globals.NextSequenceNumber(tx)
		if err != nil {
			return err
		}
		return ls.targets.Update(tx, td.WithSequenceNumber(seq))
	})
}

// GetTargetData returns the in-memory state of an active target.
func (ls *LocalStore) GetTargetData(id query.TargetID) *query.TargetData {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.targetDataByID[id]
}

func (ls *LocalStore) setTargetData(td *query.TargetData) {
	ls.mu.Lock()
	ls.targetDataByID[td.TargetID] = td
	ls.mu.Unlock()
}

// RemoteKeysForTarget lists the server-confirmed document keys of a
// target from the persisted links.
func (ls *LocalStore) RemoteKeysForTarget(id query.TargetID) model.KeySet {
	out := model.NewKeySet()
	err := ls.p.Run(context.Background(), persistence.ReadOnly, func(tx persistence.Tx) error {
		keys, err := ls.targets.MatchingKeys(tx, id)
		if err != nil {
			return err
		}
		for _, k := range keys {
			out = out.Add(k)
		}
		return nil
	})
	if err != nil {
		ls.log.Warn("remote keys lookup failed", "target", id, "error", err)
	}
	return out
}

// LocalViewChanges reports what the sync engine learned while emitting a
// view snapshot; the store persists the consistency watermark.
type LocalViewChanges struct {
	TargetID  query.TargetID
	FromCache bool
}

// NotifyLocalViewChanges records per-target limbo-free snapshot versions.
// A view raised without limbo documents means every cached document of
// the target was consistent at the last remote version, which later lets
// the query engine skip full collection scans.
func (ls *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	return ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		last, err := ls.globals.LastRemoteVersion(tx)
		if err != nil {
			return err
		}
		for _, vc := range changes {
			if vc.FromCache {
				continue
			}
			td := ls.GetTargetData(vc.TargetID)
			if td == nil {
				continue
			}
			updated := td.WithLastLimboFreeSnapshotVersion(last)
			ls.setTargetData(updated)
			if err := ls.targets.Update(tx, updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExecuteQuery runs a query against the local cache through the query
// engine, using the target's limbo-free watermark when one exists.
func (ls *LocalStore) ExecuteQuery(ctx context.Context, q query.Query) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	err := ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		var lastLimboFree model.SnapshotVersion
		remoteKeys := model.NewKeySet()
		td, err := ls.targets.Get(tx, q)
		if err != nil {
			return err
		}
		if td != nil {
			lastLimboFree = td.LastLimboFreeSnapshotVersion
			keys, err := ls.targets.MatchingKeys(tx, td.TargetID)
			if err != nil {
				return err
			}
			for _, k := range keys {
				remoteKeys = remoteKeys.Add(k)
			}
		}
		out, err = ls.engine.Execute(tx, q, lastLimboFree, remoteKeys)
		return err
	})
	return out, err
}

// ConfigureFieldIndexes reconciles the stored index definitions with the
// given set, deleting stale ones and adding new ones.
func (ls *LocalStore) ConfigureFieldIndexes(ctx context.Context, want []*index.FieldIndex) error {
	return ls.p.Run(ctx, persistence.ReadWrite, func(tx persistence.Tx) error {
		have, err := ls.indexes.AllFieldIndexes(tx)
		if err != nil {
			return err
		}
		signature := func(fi *index.FieldIndex) string {
			s := fi.CollectionGroup
			for _, seg := range fi.Segments {
				s += "|" + string(seg.Kind) + seg.Path.String()
			}
			return s
		}
		wanted := make(map[string]bool, len(want))
		for _, fi := range want {
			wanted[signature(fi)] = true
		}
		existing := make(map[string]bool, len(have))
		for _, fi := range have {
			if !wanted[signature(fi)] {
				if err := ls.indexes.DeleteFieldIndex(tx, fi); err != nil {
					return err
				}
				continue
			}
			existing[signature(fi)] = true
		}
		for _, fi := range want {
			if !existing[signature(fi)] {
				if err := ls.indexes.AddFieldIndex(tx, fi); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BackfillIndexes advances the least-recently-served index by up to max
// documents. Only the primary client backfills.
func (ls *LocalStore) BackfillIndexes(ctx context.Context, max int) (int, error) {
	processed := 0
	err := ls.p.Run(ctx, persistence.PrimaryRequired, func(tx persistence.Tx) error {
		fi, st, err := ls.indexes.NextIndexToBackfill(tx)
		if err != nil || fi == nil {
			return err
		}
		docs, err := ls.docs.GetAllFromCollectionGroup(tx, fi.CollectionGroup, st.Offset, max)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := ls.indexes.UpdateEntries(tx, doc); err != nil {
				return err
			}
		}
		if len(docs) > 0 {
			highestBatch, err := ls.globals.HighestBatchID(tx)
			if err != nil {
				return err
			}
			st.Offset = index.OffsetFromDocument(docs[len(docs)-1], highestBatch)
		}
		st.SequenceNumber++
		processed = len(docs)
		return ls.indexes.SetState(tx, fi.IndexID, st)
	})
	return processed, err
}

// CollectGarbage runs one LRU pass. Documents with queued mutations are
// pinned regardless of age.
func (ls *LocalStore) CollectGarbage(ctx context.Context, gc *persistence.GC,
	activeTargets map[query.TargetID]bool) (persistence.GCResults, error) {
	var res persistence.GCResults
	err := ls.p.Run(ctx, persistence.PrimaryRequired, func(tx persistence.Tx) error {
		var err error
		res, err = gc.Collect(ctx, tx, activeTargets, ls.isPinned)
		return err
	})
	return res, err
}

func (ls *LocalStore) isPinned(tx persistence.Tx, key model.DocumentKey) (bool, error) {
	ids, err := ls.queue.BatchIDsAffectingKey(tx, key)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// localDocument reads one document with its overlay applied.
func (ls *LocalStore) localDocument(tx persistence.Tx, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := ls.docs.Get(tx, key)
	if err != nil {
		return nil, err
	}
	ov, err := ls.overlays.Get(tx, key)
	if err != nil {
		return nil, err
	}
	if ov != nil {
		ov.Mutation.ApplyToLocalView(doc, nil, model.TimestampFromTime(ls.clk.Now()))
	}
	return doc, nil
}

// localViews assembles local views for a set of keys.
func (ls *LocalStore) localViews(tx persistence.Tx, keys model.KeySet) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	for _, key := range keys.Keys() {
		doc, err := ls.localDocument(tx, key)
		if err != nil {
			return out, err
		}
		out = out.Insert(doc)
	}
	return out, nil
}

// recalculateOverlays rebuilds the overlays of the given keys by
// replaying every queued batch over the current server documents, and
// returns the resulting local views.
func (ls *LocalStore) recalculateOverlays(tx persistence.Tx, keys model.KeySet) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	if keys.IsEmpty() {
		return out, nil
	}
	docs, err := ls.docs.GetAll(tx, keys.Keys())
	if err != nil {
		return out, err
	}
	masks := make(map[string]*mutation.FieldMask, len(docs))
	for k := range docs {
		masks[k] = mutation.NewFieldMask()
	}
	largest := make(map[string]mutation.BatchID, len(docs))
	batches, err := ls.queue.AllAffectingKeys(tx, keys)
	if err != nil {
		return out, err
	}
	for _, b := range batches {
		for _, key := range b.Keys().Keys() {
			doc, ok := docs[key.String()]
			if !ok {
				continue
			}
			masks[key.String()] = b.ApplyToLocalView(doc, masks[key.String()])
			largest[key.String()] = b.ID
		}
	}
	for ks, doc := range docs {
		mu := mutation.CalculateOverlayMutation(doc, masks[ks])
		if err := ls.overlays.Save(tx, largest[ks], map[string]*mutation.Mutation{ks: mu}); err != nil {
			return out, err
		}
		out = out.Insert(doc)
	}
	return out, nil
}

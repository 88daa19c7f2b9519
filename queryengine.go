package docsync

import (
	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// autoIndexMinCollectionSize gates index auto-creation: tiny scans are
	// cheaper than the index they would build.
	autoIndexMinCollectionSize = 100
	// autoIndexReadRatio triggers auto-creation once full scans read this
	// many times more documents than they return, on average.
	autoIndexReadRatio = 2.0

	servingIndexCacheSize = 256
)

// QueryEngine picks an execution strategy per query: a field index scan
// when one serves every DNF term, the previous results plus everything
// changed since the target's limbo-free watermark, or a full collection
// scan as the last resort.
type QueryEngine struct {
	docs     persistence.RemoteDocumentCache
	overlays *persistence.OverlayCache
	indexes  *persistence.IndexStore
	globals  persistence.Globals
	log      utils.Logger

	autoIndexing bool
	readRatio    *utils.AvgVal
	// servingIndex remembers which index served a query shape, skipping
	// the planning walk on repeat executions.
	servingIndex *lru.Cache[string, int32]
}

func NewQueryEngine(docs persistence.RemoteDocumentCache, overlays *persistence.OverlayCache,
	indexes *persistence.IndexStore, globals persistence.Globals,
	log utils.Logger, autoIndexing bool) *QueryEngine {
	cache, err := lru.New[string, int32](servingIndexCacheSize)
	if err != nil {
		panic(err)
	}
	return &QueryEngine{
		docs:         docs,
		overlays:     overlays,
		indexes:      indexes,
		globals:      globals,
		log:          log,
		autoIndexing: autoIndexing,
		readRatio:    utils.NewAvgVal(1),
		servingIndex: cache,
	}
}

// Execute returns the full set of local documents matching q. Limits are
// not clipped here; the view applies them so it can detect boundary
// evictions.
func (e *QueryEngine) Execute(tx persistence.Tx, q query.Query,
	lastLimboFree model.SnapshotVersion, remoteKeys model.KeySet) (model.DocumentMap, error) {

	if out, ok, err := e.executeFromIndex(tx, q); err != nil || ok {
		return out, err
	}
	if out, ok, err := e.executeFromCachedResults(tx, q, lastLimboFree, remoteKeys); err != nil || ok {
		return out, err
	}
	return e.executeFullScan(tx, q)
}

// executeFromIndex serves the query from field indexes when every DNF
// term has one. Index results over-approximate, so matches are re-checked
// and documents past the backfill offset are merged in from the cache.
func (e *QueryEngine) executeFromIndex(tx persistence.Tx, q query.Query) (model.DocumentMap, bool, error) {
	out := model.NewDocumentMap()
	terms := q.DNFTerms()
	if terms == nil {
		return out, false, nil
	}
	group := index.CollectionID(q)
	available, err := e.indexes.FieldIndexes(tx, group)
	if err != nil {
		return out, false, err
	}
	if len(available) == 0 {
		return out, false, nil
	}

	type plan struct {
		fi   *index.FieldIndex
		term query.Filter
	}
	plans := make([]plan, 0, len(terms))
	for _, term := range terms {
		var serving *index.FieldIndex
		for _, fi := range available {
			if fi.ServesTerm(q, term) {
				serving = fi
				break
			}
		}
		if serving == nil {
			return out, false, nil
		}
		plans = append(plans, plan{fi: serving, term: term})
	}
	e.servingIndex.Add(q.CanonicalID(), plans[0].fi.IndexID)

	keys := model.NewKeySet()
	minOffset := index.Offset{}
	haveOffset := false
	for _, p := range plans {
		scanned, err := e.indexes.Scan(tx, p.fi, index.RangeForTerm(p.fi, p.term))
		if err != nil {
			return out, false, err
		}
		for _, k := range scanned {
			keys = keys.Add(k)
		}
		st, err := e.indexes.State(tx, p.fi.IndexID)
		if err != nil {
			return out, false, err
		}
		if !haveOffset || st.Offset.Compare(minOffset) < 0 {
			minOffset = st.Offset
			haveOffset = true
		}
	}

	for _, key := range keys.Keys() {
		doc, err := e.localDocument(tx, key)
		if err != nil {
			return out, false, err
		}
		if q.Matches(doc) {
			out = out.Insert(doc)
		}
	}

	// entries only cover documents up to the backfill offset; newer cache
	// rows and pending local writes are merged from the source tables
	extra, err := e.candidatesSince(tx, q, minOffset, mutation.BatchID(minOffset.LargestBatchID))
	if err != nil {
		return out, false, err
	}
	extra.Ascend(func(_ model.DocumentKey, doc *model.MutableDocument) bool {
		if q.Matches(doc) {
			out = out.Insert(doc)
		}
		return true
	})
	return out, true, nil
}

// executeFromCachedResults re-runs the query over the previous remote
// result set plus every document changed since the limbo-free watermark.
// Limit queries fall back to a full scan when an updated document could
// have displaced the old boundary.
func (e *QueryEngine) executeFromCachedResults(tx persistence.Tx, q query.Query,
	lastLimboFree model.SnapshotVersion, remoteKeys model.KeySet) (model.DocumentMap, bool, error) {

	out := model.NewDocumentMap()
	if lastLimboFree.IsZero() || remoteKeys.IsEmpty() || q.IsDocumentQuery() {
		return out, false, nil
	}

	previous := model.NewDocumentSet(q.Comparator())
	for _, key := range remoteKeys.Keys() {
		doc, err := e.localDocument(tx, key)
		if err != nil {
			return out, false, err
		}
		if q.Matches(doc) {
			previous = previous.Add(doc)
		}
	}

	updated, err := e.candidatesSince(tx, q,
		index.OffsetFromReadTime(lastLimboFree, 0), mutation.BatchID(-1))
	if err != nil {
		return out, false, err
	}

	if q.Limit > 0 {
		// an updated document sorting inside the old boundary may evict a
		// result this strategy never read
		if int64(previous.Len()) < q.Limit {
			return out, false, nil
		}
		var boundary *model.MutableDocument
		var ok bool
		if q.LimitKind == query.LimitFirst {
			boundary, ok = previous.Last()
		} else {
			boundary, ok = previous.First()
		}
		if !ok {
			return out, false, nil
		}
		cmp := q.Comparator()
		unsafe := false
		updated.Ascend(func(key model.DocumentKey, doc *model.MutableDocument) bool {
			if previous.Has(key) {
				return true
			}
			c := cmp(doc, boundary)
			if (q.LimitKind == query.LimitFirst && c < 0) ||
				(q.LimitKind == query.LimitLast && c > 0) {
				unsafe = true
				return false
			}
			return true
		})
		if unsafe {
			return out, false, nil
		}
	}

	previous.Ascend(func(doc *model.MutableDocument) bool {
		out = out.Insert(doc)
		return true
	})
	updated.Ascend(func(key model.DocumentKey, doc *model.MutableDocument) bool {
		if q.Matches(doc) {
			out = out.Insert(doc)
		} else {
			out = out.Remove(key)
		}
		return true
	})
	return out, true, nil
}

// executeFullScan walks the whole collection, feeding the auto-index
// heuristic with the read/returned ratio.
func (e *QueryEngine) executeFullScan(tx persistence.Tx, q query.Query) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	candidates, err := e.candidatesSince(tx, q, index.Offset{}, mutation.BatchID(-1))
	if err != nil {
		return out, err
	}
	read := candidates.Len()
	candidates.Ascend(func(_ model.DocumentKey, doc *model.MutableDocument) bool {
		if q.Matches(doc) {
			out = out.Insert(doc)
		}
		return true
	})

	returned := out.Len()
	ratio := float64(read)
	if returned > 0 {
		ratio = float64(read) / float64(returned)
	}
	e.readRatio.Add(ratio)
	if e.autoIndexing && read >= autoIndexMinCollectionSize &&
		e.readRatio.Val() >= autoIndexReadRatio {
		if err := e.createIndexForQuery(tx, q); err != nil {
			e.log.Warn("index auto-creation failed", "query", q.CanonicalID(), "error", err)
		}
	}
	return out, nil
}

// createIndexForQuery derives a definition from the query shape: one
// contains segment per array filter plus the normalized ordering.
func (e *QueryEngine) createIndexForQuery(tx persistence.Tx, q query.Query) error {
	group := index.CollectionID(q)
	fi := &index.FieldIndex{CollectionGroup: group}
	seen := map[string]bool{}
	for _, f := range q.Filters {
		for _, ff := range f.FieldFilters() {
			if (ff.Op == query.OpArrayContains || ff.Op == query.OpArrayContainsAny) &&
				!seen[ff.Path.String()] {
				seen[ff.Path.String()] = true
				fi.Segments = append(fi.Segments, index.Segment{Path: ff.Path, Kind: index.SegmentContains})
			}
		}
	}
	for _, f := range q.Filters {
		for _, ff := range f.FieldFilters() {
			if (ff.Op == query.OpEqual || ff.Op == query.OpIn) && !seen[ff.Path.String()] {
				seen[ff.Path.String()] = true
				fi.Segments = append(fi.Segments, index.Segment{Path: ff.Path, Kind: index.SegmentAscending})
			}
		}
	}
	for _, ord := range q.NormalizedOrders() {
		if ord.Path.IsKeyField() || seen[ord.Path.String()] {
			continue
		}
		seen[ord.Path.String()] = true
		kind := index.SegmentAscending
		if ord.Dir == query.Descending {
			kind = index.SegmentDescending
		}
		fi.Segments = append(fi.Segments, index.Segment{Path: ord.Path, Kind: kind})
	}
	if len(fi.Segments) == 0 {
		return nil
	}
	existing, err := e.indexes.FieldIndexes(tx, group)
	if err != nil {
		return err
	}
	for _, have := range existing {
		if indexesEqual(have, fi) {
			return nil
		}
	}
	e.log.Info("auto-creating field index", "group", group, "segments", len(fi.Segments))
	return e.indexes.AddFieldIndex(tx, fi)
}

func indexesEqual(a, b *index.FieldIndex) bool {
	if a.CollectionGroup != b.CollectionGroup || len(a.Segments) != len(b.Segments) {
		return false
	}
	for i := range a.Segments {
		if a.Segments[i].Kind != b.Segments[i].Kind ||
			!a.Segments[i].Path.Equal(b.Segments[i].Path) {
			return false
		}
	}
	return true
}

// candidatesSince gathers local views of documents that may match q and
// changed after the given offset: cache rows by read time plus overlay
// rows by batch id. Collection-group queries walk the read-time table;
// their pending local writes surface per key via the overlay lookup.
func (e *QueryEngine) candidatesSince(tx persistence.Tx, q query.Query,
	offset index.Offset, sinceBatch mutation.BatchID) (model.DocumentMap, error) {

	out := model.NewDocumentMap()
	var remoteDocs []*model.MutableDocument
	var err error
	if q.IsCollectionGroupQuery() {
		remoteDocs, err = e.docs.GetAllFromCollectionGroup(tx, q.CollectionGroup, offset, 0)
	} else {
		remoteDocs, err = e.docs.GetMatching(tx, q.Path, offset)
	}
	if err != nil {
		return out, err
	}
	seen := map[string]bool{}
	for _, doc := range remoteDocs {
		seen[doc.Key.String()] = true
		local, err := e.applyOverlay(tx, doc)
		if err != nil {
			return out, err
		}
		out = out.Insert(local)
	}
	if q.IsCollectionGroupQuery() {
		return out, nil
	}

	// documents that exist only locally have overlay rows but no cache row
	ovs, err := e.overlays.GetForCollection(tx, q.Path, sinceBatch)
	if err != nil {
		return out, err
	}
	for ks, ov := range ovs {
		if seen[ks] {
			continue
		}
		doc, err := e.docs.Get(tx, ov.Key())
		if err != nil {
			return out, err
		}
		ov.Mutation.ApplyToLocalView(doc, nil, model.Timestamp{})
		out = out.Insert(doc)
	}
	return out, nil
}

func (e *QueryEngine) localDocument(tx persistence.Tx, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := e.docs.Get(tx, key)
	if err != nil {
		return nil, err
	}
	return e.applyOverlay(tx, doc)
}

func (e *QueryEngine) applyOverlay(tx persistence.Tx, doc *model.MutableDocument) (*model.MutableDocument, error) {
	ov, err := e.overlays.Get(tx, doc.Key)
	if err != nil {
		return nil, err
	}
	if ov != nil {
		ov.Mutation.ApplyToLocalView(doc, nil, model.Timestamp{})
	}
	return doc, nil
}

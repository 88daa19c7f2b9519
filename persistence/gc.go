package persistence

import (
	"context"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	"github.com/pkg/errors"
)

// GCParams tune the LRU collector.
type GCParams struct {
	// CacheSizeBytes gates collection: below the budget GC is skipped.
	CacheSizeBytes int64
	// Percentile of sequence numbers eligible per run, in percent.
	Percentile int
	// MaxSequenceNumbers caps how many entries one run may collect.
	MaxSequenceNumbers int
}

func DefaultGCParams() GCParams {
	return GCParams{
		CacheSizeBytes:     40 * 1024 * 1024,
		Percentile:         10,
		MaxSequenceNumbers: 1000,
	}
}

// GCResults summarizes one collection run.
type GCResults struct {
	DidRun           bool
	SequenceNumbers  int
	TargetsRemoved   int
	DocumentsRemoved int
}

// GC removes least-recently-used released targets and the orphaned
// documents nothing references anymore. Only the primary runs it.
type GC struct {
	params  GCParams
	targets TargetCache
	log     utils.Logger
}

func NewGC(params GCParams, log utils.Logger) *GC {
	return &GC{params: params, log: log}
}

// Collect runs one pass inside the given transaction. activeTargets maps
// target ids the sync engine still listens to; their targets and
// documents are never collected. isPinned reports keys with pending
// local mutations.
func (gc *GC) Collect(ctx context.Context, tx Tx,
	activeTargets map[query.TargetID]bool,
	isPinned func(tx Tx, key model.DocumentKey) (bool, error)) (GCResults, error) {

	size, err := (Globals{}).CacheBytes(tx)
	if err != nil {
		return GCResults{}, err
	}
	if size < gc.params.CacheSizeBytes {
		gcRuns.WithLabelValues("skipped").Inc()
		return GCResults{DidRun: false}, nil
	}

	upper, count, err := gc.nthSequenceNumber(tx)
	if err != nil {
		return GCResults{}, err
	}
	res := GCResults{DidRun: true, SequenceNumbers: count}
	if count == 0 {
		gcRuns.WithLabelValues("empty").Inc()
		return res, nil
	}

	res.TargetsRemoved, err = gc.removeTargets(tx, upper, activeTargets)
	if err != nil {
		return res, err
	}
	res.DocumentsRemoved, err = gc.removeOrphanedDocuments(tx, upper, isPinned)
	if err != nil {
		return res, err
	}
	gcRuns.WithLabelValues("collected").Inc()
	gc.log.InfoCtx(ctx, "garbage collection pass",
		"targets", res.TargetsRemoved, "documents", res.DocumentsRemoved,
		"upper_bound", upper)
	return res, nil
}

// nthSequenceNumber finds the cutoff: the sequence number below which the
// configured percentile of targets and orphaned documents falls, capped.
func (gc *GC) nthSequenceNumber(tx Tx) (int64, int, error) {
	targetCount, err := (Globals{}).TargetCount(tx)
	if err != nil {
		return 0, 0, err
	}
	n := int(targetCount) * gc.params.Percentile / 100
	if n > gc.params.MaxSequenceNumbers {
		n = gc.params.MaxSequenceNumbers
	}
	if n == 0 {
		return 0, 0, nil
	}
	topk := utils.NewTopK[int64](n)
	err = gc.targets.ForEach(tx, func(td *query.TargetData) error {
		topk.Offer(td.SequenceNumber)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	err = gc.targets.ForEachOrphanedDocument(tx, func(_ model.DocumentKey, seq int64) error {
		topk.Offer(seq)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if topk.Len() == 0 {
		return 0, 0, nil
	}
	return topk.Threshold(), topk.Len(), nil
}

func (gc *GC) removeTargets(tx Tx, upper int64, active map[query.TargetID]bool) (int, error) {
	var doomed []*query.TargetData
	err := gc.targets.ForEach(tx, func(td *query.TargetData) error {
		if td.SequenceNumber <= upper && !active[td.TargetID] {
			doomed = append(doomed, td)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		// document links become sentinel-only rows, collectible below
		seq := td.SequenceNumber
		keys, err := gc.targets.MatchingKeys(tx, td.TargetID)
		if err != nil {
			return 0, err
		}
		if err := gc.targets.RemoveMatchingKeys(tx, keys, td.TargetID, seq); err != nil {
			return 0, err
		}
		if err := gc.targets.Remove(tx, td); err != nil {
			return 0, err
		}
		gcRemovedTargets.Inc()
	}
	return len(doomed), nil
}

func (gc *GC) removeOrphanedDocuments(tx Tx, upper int64,
	isPinned func(tx Tx, key model.DocumentKey) (bool, error)) (int, error) {
	var doomed []model.DocumentKey
	err := gc.targets.ForEachOrphanedDocument(tx, func(key model.DocumentKey, seq int64) error {
		if seq > upper {
			return nil
		}
		pinned, err := isPinned(tx, key)
		if err != nil {
			return err
		}
		if !pinned {
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	g := Globals{}
	for _, key := range doomed {
		rowKey := remoteDocKey(key)
		val, err := tx.Get(rowKey)
		if err == nil {
			doc, err := model.DecodeDocument(key, val)
			if err != nil {
				return 0, err
			}
			if err := tx.Delete(docReadTimeKey(key.CollectionGroup(), doc.ReadTime, key)); err != nil {
				return 0, err
			}
			if err := tx.Delete(rowKey); err != nil {
				return 0, err
			}
			if err := g.AddCacheBytes(tx, -int64(len(rowKey)+len(val))); err != nil {
				return 0, err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if err := gc.targets.RemoveOrphanedSentinel(tx, key); err != nil {
			return 0, err
		}
		gcRemovedDocuments.Inc()
	}
	return len(doomed), nil
}

package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func newMemPersistence(t *testing.T) *Persistence {
	t.Helper()
	p := New(NewMemory(), nil, testLog())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newPebblePersistence(t *testing.T) *Persistence {
	t.Helper()
	b, err := OpenPebble(context.Background(), "store", testLog(), WithMemFS())
	require.NoError(t, err)
	p := New(b, nil, testLog())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func version(secs int64) model.SnapshotVersion {
	return model.SnapshotVersion{Timestamp: model.Timestamp{Seconds: secs}}
}

func foundDoc(t *testing.T, key string, secs int64, fields ...any) *model.MutableDocument {
	t.Helper()
	data := model.NewObjectValue()
	for i := 0; i+1 < len(fields); i += 2 {
		fp, err := model.ParseFieldPath(fields[i].(string))
		require.NoError(t, err)
		data = data.Set(fp, fields[i+1].(model.Value))
	}
	doc := model.NewFoundDocument(model.MustDocumentKey(key), version(secs), data)
	doc.SetReadTime(version(secs))
	return doc
}

func eachBackend(t *testing.T, fn func(t *testing.T, p *Persistence)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemPersistence(t)) })
	t.Run("pebble", func(t *testing.T) { fn(t, newPebblePersistence(t)) })
}

func TestPathKeyRoundtrip(t *testing.T) {
	paths := []string{"rooms/r1", "rooms/r1/messages/m2", "a/b"}
	for _, s := range paths {
		key := model.MustDocumentKey(s)
		enc := appendPath(nil, key.Path)
		got, rest, err := takeDocKey(enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.True(t, key.Equal(got))
	}
}

func TestPathKeyOrderIsSegmentwise(t *testing.T) {
	// "a!" sorts after "a" segment-wise even though '!' < '/'
	a := appendPath(nil, model.ResourcePath{"a", "b"})
	b := appendPath(nil, model.ResourcePath{"a!", "c"})
	assert.Less(t, string(a), string(b))
}

func TestRemoteDocumentCache(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		cache := RemoteDocumentCache{}
		buf := NewChangeBuffer()
		buf.Add(foundDoc(t, "rooms/r1", 10, "x", model.Integer(1)))
		buf.Add(foundDoc(t, "rooms/r2", 20, "x", model.Integer(2)))
		buf.Add(foundDoc(t, "rooms/r1/messages/m1", 30))
		require.NoError(t, p.Run(ctx, ReadWrite, buf.Apply))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			doc, err := cache.Get(tx, model.MustDocumentKey("rooms/r1"))
			require.NoError(t, err)
			assert.True(t, doc.IsFoundDocument())
			assert.Equal(t, version(10), doc.Version)

			missing, err := cache.Get(tx, model.MustDocumentKey("rooms/zz"))
			require.NoError(t, err)
			assert.False(t, missing.IsValidDocument())

			// collection scan excludes subcollection documents
			coll, err := cache.GetMatching(tx, model.ResourcePath{"rooms"}, index.Offset{})
			require.NoError(t, err)
			require.Len(t, coll, 2)
			assert.Equal(t, "rooms/r1", coll[0].Key.String())
			assert.Equal(t, "rooms/r2", coll[1].Key.String())
			return nil
		}))

		// overwrite keeps the byte estimate consistent
		buf2 := NewChangeBuffer()
		gone := model.NewInvalidDocument(model.MustDocumentKey("rooms/r2"))
		buf2.Add(gone)
		require.NoError(t, p.Run(ctx, ReadWrite, buf2.Apply))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			doc, err := cache.Get(tx, model.MustDocumentKey("rooms/r2"))
			require.NoError(t, err)
			assert.False(t, doc.IsValidDocument())
			size, err := (Globals{}).CacheBytes(tx)
			require.NoError(t, err)
			assert.Positive(t, size)
			return nil
		}))
	})
}

func TestRemoteDocumentReadTimeIndex(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		cache := RemoteDocumentCache{}
		buf := NewChangeBuffer()
		buf.Add(foundDoc(t, "rooms/r1/messages/m1", 10))
		buf.Add(foundDoc(t, "rooms/r2/messages/m2", 20))
		buf.Add(foundDoc(t, "rooms/r1/messages/m3", 30))
		require.NoError(t, p.Run(ctx, ReadWrite, buf.Apply))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			docs, err := cache.GetAllFromCollectionGroup(tx, "messages",
				index.OffsetFromReadTime(version(10), 0), 10)
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, version(20), docs[0].ReadTime)
			assert.Equal(t, version(30), docs[1].ReadTime)

			limited, err := cache.GetAllFromCollectionGroup(tx, "messages", index.Offset{}, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, version(10), limited[0].ReadTime)
			return nil
		}))
	})
}

func setMutation(t *testing.T, key string, secs int64) *mutation.Mutation {
	t.Helper()
	return mutation.NewSetMutation(model.MustDocumentKey(key),
		model.NewObjectValue().Set(model.FieldPath{"v"}, model.Integer(secs)))
}

func TestMutationQueue(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		q := NewMutationQueue("alice")
		b1 := mutation.NewBatch(1, model.Timestamp{Seconds: 1}, nil,
			[]*mutation.Mutation{setMutation(t, "rooms/r1", 1), setMutation(t, "rooms/r2", 1)})
		b2 := mutation.NewBatch(2, model.Timestamp{Seconds: 2}, nil,
			[]*mutation.Mutation{setMutation(t, "rooms/r1", 2)})
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			require.NoError(t, q.Add(tx, b1))
			return q.Add(tx, b2)
		}))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			all, err := q.All(tx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, mutation.BatchID(1), all[0].ID)
			assert.Equal(t, mutation.BatchID(2), all[1].ID)

			next, err := q.NextAfter(tx, 1)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, mutation.BatchID(2), next.ID)

			none, err := q.NextAfter(tx, 2)
			require.NoError(t, err)
			assert.Nil(t, none)

			touching, err := q.AllAffectingKeys(tx,
				model.NewKeySet(model.MustDocumentKey("rooms/r1")))
			require.NoError(t, err)
			require.Len(t, touching, 2)

			collBatches, err := q.AllAffectingCollection(tx, model.ResourcePath{"rooms"})
			require.NoError(t, err)
			assert.Len(t, collBatches, 2)

			// a different user's queue is empty
			empty, err := NewMutationQueue("bob").IsEmpty(tx)
			require.NoError(t, err)
			assert.True(t, empty)
			return nil
		}))

		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return q.Remove(tx, b1)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			touching, err := q.AllAffectingKeys(tx,
				model.NewKeySet(model.MustDocumentKey("rooms/r2")))
			require.NoError(t, err)
			assert.Empty(t, touching)
			got, err := q.Lookup(tx, 1)
			require.NoError(t, err)
			assert.Nil(t, got)
			return nil
		}))
	})
}

func TestOverlayCache(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		c := NewOverlayCache("alice")
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.Save(tx, 3, map[string]*mutation.Mutation{
				"rooms/r1":             setMutation(t, "rooms/r1", 1),
				"rooms/r2":             setMutation(t, "rooms/r2", 1),
				"rooms/r1/messages/m1": setMutation(t, "rooms/r1/messages/m1", 1),
			})
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			ov, err := c.Get(tx, model.MustDocumentKey("rooms/r1"))
			require.NoError(t, err)
			require.NotNil(t, ov)
			assert.Equal(t, mutation.BatchID(3), ov.LargestBatchID)

			forColl, err := c.GetForCollection(tx, model.ResourcePath{"rooms"}, 0)
			require.NoError(t, err)
			assert.Len(t, forColl, 2)

			since, err := c.GetForCollection(tx, model.ResourcePath{"rooms"}, 3)
			require.NoError(t, err)
			assert.Empty(t, since)
			return nil
		}))

		// nil entry clears the row
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.Save(tx, 4, map[string]*mutation.Mutation{"rooms/r1": nil})
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			ov, err := c.Get(tx, model.MustDocumentKey("rooms/r1"))
			require.NoError(t, err)
			assert.Nil(t, ov)
			return nil
		}))
	})
}

func collTarget(t *testing.T, path string, id query.TargetID, seq int64) *query.TargetData {
	t.Helper()
	rp, err := model.ParseResourcePath(path)
	require.NoError(t, err)
	return query.NewTargetData(query.NewCollectionQuery(rp), id, query.PurposeListen, seq)
}

func TestTargetCache(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		c := TargetCache{}
		td := collTarget(t, "rooms", 2, 1)
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.Add(tx, td)
		}))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			got, err := c.Get(tx, td.Target)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, query.TargetID(2), got.TargetID)

			other, err := c.Get(tx, collTarget(t, "other", 0, 0).Target)
			require.NoError(t, err)
			assert.Nil(t, other)

			n, err := (Globals{}).TargetCount(tx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			return nil
		}))

		keys := []model.DocumentKey{
			model.MustDocumentKey("rooms/r1"),
			model.MustDocumentKey("rooms/r2"),
		}
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.AddMatchingKeys(tx, keys, 2, 5)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			got, err := c.MatchingKeys(tx, 2)
			require.NoError(t, err)
			assert.Len(t, got, 2)

			ref, err := c.ContainsKey(tx, keys[0])
			require.NoError(t, err)
			assert.True(t, ref)
			return nil
		}))

		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.RemoveMatchingKeys(tx, keys[:1], 2, 6)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			ref, err := c.ContainsKey(tx, keys[0])
			require.NoError(t, err)
			assert.False(t, ref)

			// the sentinel row survives with the release sequence number
			var orphans []model.DocumentKey
			var seqs []int64
			err = c.ForEachOrphanedDocument(tx, func(k model.DocumentKey, seq int64) error {
				orphans = append(orphans, k)
				seqs = append(seqs, seq)
				return nil
			})
			require.NoError(t, err)
			require.Len(t, orphans, 1)
			assert.Equal(t, "rooms/r1", orphans[0].String())
			assert.Equal(t, int64(6), seqs[0])
			return nil
		}))

		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return c.Remove(tx, td)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			got, err := c.GetByID(tx, 2)
			require.NoError(t, err)
			assert.Nil(t, got)
			n, err := (Globals{}).TargetCount(tx)
			require.NoError(t, err)
			assert.Zero(t, n)
			return nil
		}))
	})
}

func TestGlobalsSequenceNumbers(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			g := Globals{}
			s1, err := g.NextSequenceNumber(tx)
			require.NoError(t, err)
			s2, err := g.NextSequenceNumber(tx)
			require.NoError(t, err)
			assert.Equal(t, s1+1, s2)

			require.NoError(t, g.SetHighestBatchID(tx, 9))
			id, err := g.HighestBatchID(tx)
			require.NoError(t, err)
			assert.Equal(t, int32(9), id)
			return nil
		}))
	})
}

func TestIndexStore(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		s := NewIndexStore("alice")
		fi := &index.FieldIndex{
			CollectionGroup: "rooms",
			Segments: []index.Segment{
				{Path: model.FieldPath{"x"}, Kind: index.SegmentAscending},
			},
		}
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return s.AddFieldIndex(tx, fi)
		}))
		require.Positive(t, fi.IndexID)

		docs := []*model.MutableDocument{
			foundDoc(t, "rooms/r1", 1, "x", model.Integer(3)),
			foundDoc(t, "rooms/r2", 1, "x", model.Integer(1)),
			foundDoc(t, "rooms/r3", 1, "x", model.Integer(7)),
			foundDoc(t, "rooms/r4", 1, "y", model.Integer(2)), // not indexed
		}
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			for _, d := range docs {
				require.NoError(t, s.UpdateEntries(tx, d))
			}
			return nil
		}))

		rp, err := model.ParseResourcePath("rooms")
		require.NoError(t, err)
		q := query.NewCollectionQuery(rp).
			WithFilter(query.Field(model.FieldPath{"x"}, query.OpGreaterEq, model.Integer(2)))
		terms := q.DNFTerms()
		require.Len(t, terms, 1)
		require.True(t, fi.ServesTerm(q, terms[0]))

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			keys, err := s.Scan(tx, fi, index.RangeForTerm(fi, terms[0]))
			require.NoError(t, err)
			require.Len(t, keys, 2)
			// index order: x=3 then x=7
			assert.Equal(t, "rooms/r1", keys[0].String())
			assert.Equal(t, "rooms/r3", keys[1].String())
			return nil
		}))

		// document update replaces its rows
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return s.UpdateEntries(tx, foundDoc(t, "rooms/r1", 2, "x", model.Integer(0)))
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			keys, err := s.Scan(tx, fi, index.RangeForTerm(fi, terms[0]))
			require.NoError(t, err)
			require.Len(t, keys, 1)
			assert.Equal(t, "rooms/r3", keys[0].String())
			return nil
		}))

		// deletion drops everything
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return s.DeleteFieldIndex(tx, fi)
		}))
		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			all, err := s.AllFieldIndexes(tx)
			require.NoError(t, err)
			assert.Empty(t, all)
			return nil
		}))
	})
}

func TestIndexStoreBackfillRoundRobin(t *testing.T) {
	p := newMemPersistence(t)
	ctx := context.Background()
	s := NewIndexStore("alice")
	a := &index.FieldIndex{CollectionGroup: "a",
		Segments: []index.Segment{{Path: model.FieldPath{"x"}, Kind: index.SegmentAscending}}}
	b := &index.FieldIndex{CollectionGroup: "b",
		Segments: []index.Segment{{Path: model.FieldPath{"x"}, Kind: index.SegmentAscending}}}
	require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
		require.NoError(t, s.AddFieldIndex(tx, a))
		return s.AddFieldIndex(tx, b)
	}))

	require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
		next, st, err := s.NextIndexToBackfill(tx)
		require.NoError(t, err)
		require.NotNil(t, next)
		// both at sequence 0; whichever comes first gets bumped
		st.SequenceNumber = 1
		return s.SetState(tx, next.IndexID, st)
	}))
	require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
		next, st, err := s.NextIndexToBackfill(tx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Zero(t, st.SequenceNumber)
		return nil
	}))
}

func TestGarbageCollection(t *testing.T) {
	eachBackend(t, func(t *testing.T, p *Persistence) {
		ctx := context.Background()
		targets := TargetCache{}
		gc := NewGC(GCParams{CacheSizeBytes: 1, Percentile: 100, MaxSequenceNumbers: 1000}, testLog())

		old := collTarget(t, "rooms", 1, 1)
		fresh := collTarget(t, "other", 2, 100)
		orphanKey := model.MustDocumentKey("rooms/r1")
		keptKey := model.MustDocumentKey("other/o1")

		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			require.NoError(t, targets.Add(tx, old))
			require.NoError(t, targets.Add(tx, fresh))
			buf := NewChangeBuffer()
			buf.Add(foundDoc(t, "rooms/r1", 5))
			buf.Add(foundDoc(t, "other/o1", 5))
			require.NoError(t, buf.Apply(tx))
			require.NoError(t, targets.AddMatchingKeys(tx, []model.DocumentKey{orphanKey}, 1, 1))
			require.NoError(t, targets.AddMatchingKeys(tx, []model.DocumentKey{keptKey}, 2, 100))
			// release the old target's doc so only the sentinel remains
			return targets.RemoveMatchingKeys(tx, []model.DocumentKey{orphanKey}, 1, 1)
		}))

		notPinned := func(Tx, model.DocumentKey) (bool, error) { return false, nil }
		var res GCResults
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			var err error
			res, err = gc.Collect(ctx, tx, map[query.TargetID]bool{2: true}, notPinned)
			return err
		}))
		assert.True(t, res.DidRun)
		assert.Equal(t, 1, res.TargetsRemoved)
		assert.Equal(t, 1, res.DocumentsRemoved)

		require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
			gone, err := targets.GetByID(tx, 1)
			require.NoError(t, err)
			assert.Nil(t, gone)
			kept, err := targets.GetByID(tx, 2)
			require.NoError(t, err)
			assert.NotNil(t, kept)

			doc, err := RemoteDocumentCache{}.Get(tx, orphanKey)
			require.NoError(t, err)
			assert.False(t, doc.IsValidDocument())
			keptDoc, err := RemoteDocumentCache{}.Get(tx, keptKey)
			require.NoError(t, err)
			assert.True(t, keptDoc.IsValidDocument())
			return nil
		}))
	})
}

func TestGCSkipsUnderBudget(t *testing.T) {
	p := newMemPersistence(t)
	ctx := context.Background()
	gc := NewGC(DefaultGCParams(), testLog())
	var res GCResults
	require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
		var err error
		res, err = gc.Collect(ctx, tx, nil, func(Tx, model.DocumentKey) (bool, error) {
			return false, nil
		})
		return err
	}))
	assert.False(t, res.DidRun)
}

func TestPrimaryRequiredWithoutLease(t *testing.T) {
	// nil lease means single-client mode: primary transactions pass
	p := newMemPersistence(t)
	require.NoError(t, p.Run(context.Background(), PrimaryRequired, func(tx Tx) error {
		return tx.Set(globalKey("gate"), []byte("1"))
	}))
}

func TestMemoryConcurrentWritersKeepBothCommits(t *testing.T) {
	backend := NewMemory()

	tx1, err := backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx1.Set([]byte("k1"), []byte("v1")))

	// the second writer blocks on the write slot until tx1 commits, so
	// its snapshot includes tx1's write and neither commit erases the
	// other's
	committed := make(chan error, 1)
	go func() {
		tx2, err := backend.Begin(true)
		if err != nil {
			committed <- err
			return
		}
		if err := tx2.Set([]byte("k2"), []byte("v2")); err != nil {
			committed <- err
			return
		}
		committed <- backend.Commit(tx2)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, backend.Commit(tx1))
	require.NoError(t, <-committed)

	rd, err := backend.Begin(false)
	require.NoError(t, err)
	for _, key := range []string{"k1", "k2"} {
		val, err := rd.Get([]byte(key))
		require.NoError(t, err, key)
		assert.NotEmpty(t, val)
	}
	require.NoError(t, backend.Rollback(rd))
}

func TestLeaseHeartbeatPreservesConcurrentWrites(t *testing.T) {
	backend := NewMemory()
	clk := clock.NewTestClock(time.Unix(1000, 0))
	lease := NewLease(backend, clk, testLog(), "")
	p := New(backend, lease, testLog())
	ctx := context.Background()

	lease.beat(ctx)
	require.True(t, lease.IsPrimary())

	// heartbeats go straight to the backend, off the engine's own
	// transaction lock; none of the interleaved writes may get lost
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			lease.beat(ctx)
		}
	}()
	for i := 0; i < 50; i++ {
		key := globalKey(fmt.Sprintf("row%d", i))
		require.NoError(t, p.Run(ctx, ReadWrite, func(tx Tx) error {
			return tx.Set(key, []byte{1})
		}))
	}
	wg.Wait()

	require.NoError(t, p.Run(ctx, ReadOnly, func(tx Tx) error {
		for i := 0; i < 50; i++ {
			if _, err := tx.Get(globalKey(fmt.Sprintf("row%d", i))); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestPrimaryRequiredRechecksLeaseRow(t *testing.T) {
	backend := NewMemory()
	clk := clock.NewTestClock(time.Unix(1000, 0))
	lease := NewLease(backend, clk, testLog(), "")
	p := New(backend, lease, testLog())
	ctx := context.Background()

	lease.beat(ctx)
	require.True(t, lease.IsPrimary())
	require.NoError(t, p.Run(ctx, PrimaryRequired, func(tx Tx) error { return nil }))

	// another client takes the lease between our heartbeats; the cached
	// flag stays stale until the next beat, but the stored row already
	// disagrees and must win
	rival := leaseRecord{
		Owner:  "rival",
		Expiry: clk.Now().Add(LeaseTTL).UnixNano(),
	}
	tx, err := backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(leaseKey(), rival.encode()))
	require.NoError(t, backend.Commit(tx))

	assert.True(t, lease.IsPrimary())
	assert.ErrorIs(t, p.Run(ctx, PrimaryRequired, func(tx Tx) error {
		return tx.Set(globalKey("gate"), []byte{1})
	}), ErrNotPrimary)
}

func TestCrashedOwnerDetectedByStaleLiveness(t *testing.T) {
	dir := t.TempDir()
	backend := NewMemory()
	clk := clock.NewTestClock(time.Unix(1000, 0))
	a := NewLease(backend, clk, testLog(), dir)
	b := NewLease(backend, clk, testLog(), dir)

	ctx := context.Background()
	a.beat(ctx)
	require.True(t, a.IsPrimary())
	_, err := os.Stat(a.alivePath(a.clientID))
	require.NoError(t, err, "heartbeat must touch the liveness file")

	// the incumbent's lease row is still valid, so a live challenger waits
	b.beat(ctx)
	assert.False(t, b.IsPrimary())

	// a crashed owner leaves no zombie marker, only a liveness file that
	// goes stale; backdate it past the staleness window
	old := time.Now().Add(-clientStaleAfter - time.Minute)
	require.NoError(t, os.Chtimes(a.alivePath(a.clientID), old, old))
	b.beat(ctx)
	assert.True(t, b.IsPrimary())
}

func TestLeaseElection(t *testing.T) {
	backend := NewMemory()
	clk := clock.NewTestClock(time.Unix(1000, 0))
	a := NewLease(backend, clk, testLog(), "")
	b := NewLease(backend, clk, testLog(), "")

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.IsPrimary())

	// the incumbent defends the lease against an equal challenger
	require.NoError(t, b.Start(ctx))
	assert.False(t, b.IsPrimary())
	assert.True(t, a.IsPrimary())

	// a backgrounded incumbent loses to a foreground challenger
	a.SetForeground(false)
	a.beat(ctx)
	b.beat(ctx)
	assert.True(t, b.IsPrimary())

	// clean shutdown surrenders immediately
	b.Stop()
	assert.False(t, b.IsPrimary())
	a.SetForeground(true)
	a.beat(ctx)
	assert.True(t, a.IsPrimary())
	a.Stop()
}

func TestLeaseExpiry(t *testing.T) {
	backend := NewMemory()
	start := time.Unix(1000, 0)
	clkA := clock.NewTestClock(start)
	clkB := clock.NewTestClock(start)
	a := NewLease(backend, clkA, testLog(), "")
	b := NewLease(backend, clkB, testLog(), "")

	ctx := context.Background()
	a.beat(ctx)
	assert.True(t, a.IsPrimary())
	b.beat(ctx)
	assert.False(t, b.IsPrimary())

	// a stops beating; once the TTL passes the challenger takes over
	clkB.SetTime(start.Add(LeaseTTL + time.Second))
	b.beat(ctx)
	assert.True(t, b.IsPrimary())
}

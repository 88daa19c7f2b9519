package remote

import (
	"context"
	"log/slog"
	"testing"
	"time"

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

func version(secs int64) model.SnapshotVersion {
	return model.SnapshotVersion{Timestamp: model.Timestamp{Seconds: secs}}
}

func testDoc(path string, secs int64, field, val string) *model.MutableDocument {
	data := model.NewObjectValue().Set(model.FieldPath{field}, model.String(val))
	return model.NewFoundDocument(model.MustDocumentKey(path), version(secs), data)
}

func TestWatchTargetChangeRoundtrip(t *testing.T) {
	in := &WatchTargetChange{
		State:       TargetRemoved,
		TargetIDs:   []query.TargetID{2, 4},
		ResumeToken: []byte("tok"),
		ReadTime:    version(100),
		Cause:       &StatusError{Code: CodePermissionDenied, Message: "denied"},
	}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out, ok := change.(*WatchTargetChange)
	require.True(t, ok)
	assert.Equal(t, TargetRemoved, out.State)
	assert.Equal(t, []query.TargetID{2, 4}, out.TargetIDs)
	assert.Equal(t, []byte("tok"), out.ResumeToken)
	assert.True(t, version(100).Equal(out.ReadTime))
	require.NotNil(t, out.Cause)
	assert.Equal(t, CodePermissionDenied, out.Cause.Code)
	assert.Equal(t, "denied", out.Cause.Message)
}

func TestWatchTargetChangeNoTargetsNoCause(t *testing.T) {
	in := &WatchTargetChange{State: TargetNoChange, ReadTime: version(7)}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchTargetChange)
	assert.Empty(t, out.TargetIDs)
	assert.Nil(t, out.Cause)
	assert.Empty(t, out.ResumeToken)
}

func TestWatchDocumentChangeRoundtrip(t *testing.T) {
	doc := testDoc("rooms/eros", 10, "name", "eros")
	in := &WatchDocumentChange{
		UpdatedTargetIDs: []query.TargetID{2},
		RemovedTargetIDs: []query.TargetID{4},
		Key:              doc.Key,
		Document:         doc,
		Version:          version(10),
	}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchDocumentChange)
	assert.Equal(t, []query.TargetID{2}, out.UpdatedTargetIDs)
	assert.Equal(t, []query.TargetID{4}, out.RemovedTargetIDs)
	require.NotNil(t, out.Document)
	assert.True(t, doc.Data.Equal(out.Document.Data))
	assert.False(t, out.Removed)
}

func TestWatchDocumentDeleteRoundtrip(t *testing.T) {
	in := &WatchDocumentChange{
		RemovedTargetIDs: []query.TargetID{2},
		Key:              model.MustDocumentKey("rooms/eros"),
		Version:          version(12),
	}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchDocumentChange)
	assert.Nil(t, out.Document)
	assert.False(t, out.Removed)
	assert.True(t, version(12).Equal(out.Version))
}

func TestWatchDocumentRemoveRoundtrip(t *testing.T) {
	in := &WatchDocumentChange{
		RemovedTargetIDs: []query.TargetID{2},
		Key:              model.MustDocumentKey("rooms/eros"),
		Version:          version(12),
		Removed:          true,
	}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchDocumentChange)
	assert.Nil(t, out.Document)
	assert.True(t, out.Removed)
}

func TestExistenceFilterRoundtrip(t *testing.T) {
	bloom, err := NewBloomFilter(make([]byte, 4), 3, 7)
	require.NoError(t, err)
	bloom.Insert("rooms/eros")
	in := &WatchExistenceFilter{TargetID: 2, Count: 5, Bloom: bloom}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchExistenceFilter)
	assert.Equal(t, query.TargetID(2), out.TargetID)
	assert.Equal(t, 5, out.Count)
	require.NotNil(t, out.Bloom)
	assert.Equal(t, 7, out.Bloom.HashCount)
	assert.Equal(t, 3, out.Bloom.Padding)
	assert.True(t, out.Bloom.MightContain("rooms/eros"))
}

func TestExistenceFilterWithoutBloom(t *testing.T) {
	in := &WatchExistenceFilter{TargetID: 2, Count: 1}
	change, err := DecodeWatchChange(in.Encode())
	require.NoError(t, err)
	out := change.(*WatchExistenceFilter)
	assert.Nil(t, out.Bloom)
}

func TestWriteResponseRoundtrip(t *testing.T) {
	in := &WriteResponse{
		StreamToken:   []byte("st-1"),
		CommitVersion: version(50),
		Results: []mutation.MutationResult{
			{Version: version(50)},
			{Version: version(50), TransformResults: []model.Value{model.Integer(3)}},
		},
	}
	out, err := DecodeWriteResponse(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, []byte("st-1"), out.StreamToken)
	assert.True(t, version(50).Equal(out.CommitVersion))
	require.Len(t, out.Results, 2)
	require.Len(t, out.Results[1].TransformResults, 1)
	assert.True(t, model.Integer(3).Equal(out.Results[1].TransformResults[0]))
}

func TestWriteRequestRoundtrip(t *testing.T) {
	key := model.MustDocumentKey("rooms/eros")
	data := model.NewObjectValue().Set(model.FieldPath{"name"}, model.String("eros"))
	mu := mutation.NewSetMutation(key, data)
	recs := EncodeWriteRequest([]byte("st-1"), []*mutation.Mutation{mu})
	require.Len(t, recs, 1)
	token, mus, err := DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("st-1"), token)
	require.Len(t, mus, 1)
	assert.True(t, key.Equal(mus[0].Key))
	assert.Equal(t, mutation.SetKind, mus[0].Kind)
}

func TestWriteHandshakeDecode(t *testing.T) {
	recs := EncodeWriteHandshake()
	require.Len(t, recs, 1)
	token, mus, err := DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Empty(t, mus)
}

func TestBloomFilterMembership(t *testing.T) {
	bloom, err := NewBloomFilter(make([]byte, 32), 0, 5)
	require.NoError(t, err)
	members := []string{"rooms/a", "rooms/b", "rooms/c"}
	for _, m := range members {
		bloom.Insert(m)
	}
	for _, m := range members {
		assert.True(t, bloom.MightContain(m), m)
	}
	hits := 0
	for _, m := range []string{"rooms/x", "rooms/y", "rooms/z", "other/q"} {
		if bloom.MightContain(m) {
			hits++
		}
	}
	// 256 bits with 3 members leaves false positives unlikely
	assert.LessOrEqual(t, hits, 1)
}

func TestBloomFilterValidation(t *testing.T) {
	_, err := NewBloomFilter(make([]byte, 4), 8, 1)
	assert.Error(t, err)
	_, err = NewBloomFilter(make([]byte, 4), -1, 1)
	assert.Error(t, err)
	_, err = NewBloomFilter(make([]byte, 4), 0, 0)
	assert.Error(t, err)
	_, err = NewBloomFilter(nil, 1, 1)
	assert.Error(t, err)

	empty, err := NewBloomFilter(nil, 0, 0)
	require.NoError(t, err)
	assert.False(t, empty.MightContain("anything"))
}

func TestStatusCodeClassification(t *testing.T) {
	assert.True(t, CodePermissionDenied.IsPermanent())
	assert.True(t, CodeFailedPrecondition.IsPermanent())
	assert.False(t, CodeUnavailable.IsPermanent())
	assert.False(t, CodeUnauthenticated.IsPermanent())

	assert.True(t, CodePermissionDenied.IsPermanentWriteError())
	assert.False(t, CodeAborted.IsPermanentWriteError())
	assert.True(t, CodeAborted.IsPermanent())
}

func TestBackoffGrowthAndCap(t *testing.T) {
	b := NewExponentialBackoff(clock.NewDefaultClock())
	assert.Equal(t, time.Duration(0), b.NextDelay())

	prevBase := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.NextDelay()
		// jitter stays within half the base on either side
		assert.GreaterOrEqual(t, d, prevBase/2)
		assert.LessOrEqual(t, d, backoffMaxDelay+backoffMaxDelay/2)
		prevBase = d
	}
	b.Reset()
	assert.Equal(t, time.Duration(0), b.NextDelay())

	b.ResetToMax()
	d := b.NextDelay()
	assert.GreaterOrEqual(t, d, backoffMaxDelay/2)
}

func TestJWTCredentialsRoundtrip(t *testing.T) {
	// jwt validation compares exp against the wall clock, so the test
	// clock starts at real time
	start := time.Now()
	clk := clock.NewTestClock(start)
	creds := NewJWTCredentials([]byte("secret"), "user-1", clk)

	tok, err := creds.Token(context.Background())
	require.NoError(t, err)
	uid, err := VerifyToken([]byte("secret"), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)

	// cached until expiry
	tok2, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)

	creds.Invalidate()
	clk.SetTime(start.Add(time.Second))
	tok3, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok3)

	_, err = VerifyToken([]byte("wrong"), tok)
	assert.Error(t, err)
}

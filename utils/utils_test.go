package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopKThreshold(t *testing.T) {
	topk := NewTopK[int64](3)
	for _, v := range []int64{50, 10, 40, 20, 30} {
		topk.Offer(v)
	}
	assert.Equal(t, 3, topk.Len())
	assert.Equal(t, int64(30), topk.Threshold())

	topk.Offer(5)
	assert.Equal(t, int64(20), topk.Threshold())

	// larger values never move the cutoff
	topk.Offer(100)
	assert.Equal(t, int64(20), topk.Threshold())
}

func TestTopKZeroK(t *testing.T) {
	topk := NewTopK[int64](0)
	topk.Offer(1)
	assert.Equal(t, 0, topk.Len())
}

func TestFDQueueOrderAndBatching(t *testing.T) {
	q := NewFDQueue[[][]byte](1<<20, time.Second, 4)
	ctx := context.Background()

	require.NoError(t, q.Drain(ctx, [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}))
	assert.Equal(t, 6, q.Size())

	// batch size caps at 4 payload bytes, so the first feed stops at two
	recs, err := q.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "aa", string(recs[0]))
	assert.Equal(t, "bb", string(recs[1]))

	recs, err = q.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cc", string(recs[0]))
}

func TestFDQueueFeedTimesOutEmpty(t *testing.T) {
	q := NewFDQueue[[][]byte](1<<20, 10*time.Millisecond, 1024)
	recs, err := q.Feed(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, recs)
}

func TestFDQueueOverflow(t *testing.T) {
	q := NewFDQueue[[][]byte](2, 10*time.Millisecond, 1024)
	ctx := context.Background()
	require.NoError(t, q.Drain(ctx, [][]byte{[]byte("ab")}))
	err := q.Drain(ctx, [][]byte{[]byte("cd")})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFDQueueClose(t *testing.T) {
	q := NewFDQueue[[][]byte](1<<20, time.Second, 1024)
	require.NoError(t, q.Close())
	_, err := q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	err = q.Drain(context.Background(), [][]byte{[]byte("x")})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFDQueueFeedWakesOnDrain(t *testing.T) {
	q := NewFDQueue[[][]byte](1<<20, 5*time.Second, 1024)
	done := make(chan [][]byte, 1)
	go func() {
		recs, _ := q.Feed(context.Background())
		done <- recs
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Drain(context.Background(), [][]byte{[]byte("x")}))
	select {
	case recs := <-done:
		require.Len(t, recs, 1)
		assert.Equal(t, "x", string(recs[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("feed never woke up")
	}
}

func TestAvgVal(t *testing.T) {
	avg := NewAvgVal(1)
	avg.Add(3)
	assert.InDelta(t, 2.0, avg.Val(), 1e-9)
	avg.Add(5)
	assert.InDelta(t, 3.0, avg.Val(), 1e-9)
}

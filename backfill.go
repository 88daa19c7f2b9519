package docsync

import (
	"context"
	"time"

	"github.com/drpcorg/docsync/persistence"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const (
	DefaultBackfillInterval  = time.Minute
	DefaultBackfillBatchSize = 50
)

// Backfiller populates field index entries for documents written before
// their index existed. It runs on the primary client only; secondaries
// see ErrNotPrimary and skip the cycle.
type Backfiller struct {
	local     *LocalStore
	clk       clock.Clock
	log       utils.Logger
	interval  time.Duration
	batchSize int
}

func NewBackfiller(local *LocalStore, clk clock.Clock, log utils.Logger, interval time.Duration, batchSize int) *Backfiller {
	if interval <= 0 {
		interval = DefaultBackfillInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}
	return &Backfiller{
		local:     local,
		clk:       clk,
		log:       log,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run loops until ctx is cancelled, indexing up to batchSize documents
// per cycle.
func (b *Backfiller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clk.TickAfter(b.interval):
		}
		n, err := b.local.BackfillIndexes(ctx, b.batchSize)
		switch {
		case errors.Is(err, persistence.ErrNotPrimary):
			b.log.DebugCtx(ctx, "skipping index backfill, not primary")
		case errors.Is(err, persistence.ErrClosed) || ctx.Err() != nil:
			return
		case err != nil:
			b.log.WarnCtx(ctx, "index backfill failed", "error", err)
		case n > 0:
			b.log.DebugCtx(ctx, "index backfill cycle complete", "documents", n)
		}
	}
}

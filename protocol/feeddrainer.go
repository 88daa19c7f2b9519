package protocol

import (
	"context"
	"io"
)

// Feeder reads record batches from a source. The EoF convention follows
// io.Reader: either `recs, EoF` or `recs, nil` followed by `nil, EoF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer writes record batches to a destination.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced carries a trace id for logging.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay performs one feed-drain step between a feeder and a drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(ctx, recs)
		}
		return err
	}
	return drainer.Drain(ctx, recs)
}

// PumpCtx relays until an error or context cancellation.
func PumpCtx(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpThenClose pumps until the first error, then closes both ends.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 { // Feed may return data and EOF together
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil {
		return ferr
	}
	return derr
}

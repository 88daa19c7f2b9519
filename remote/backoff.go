package remote

import (
	"context"
	"math/rand"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	backoffInitialDelay = 1 * time.Second
	backoffMaxDelay     = 60 * time.Second
	backoffFactor       = 1.5
)

// ExponentialBackoff spaces out stream restarts. Each failed attempt
// grows the base delay by backoffFactor up to the cap; actual waits are
// jittered to half the base on either side so clients do not reconnect
// in lockstep after an outage.
type ExponentialBackoff struct {
	clk     clock.Clock
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func NewExponentialBackoff(clk clock.Clock) *ExponentialBackoff {
	return &ExponentialBackoff{
		clk:     clk,
		initial: backoffInitialDelay,
		max:     backoffMaxDelay,
	}
}

// Reset makes the next wait immediate.
func (b *ExponentialBackoff) Reset() {
	b.current = 0
}

// ResetToMax forces the next wait to the cap; used after the server
// reports resource exhaustion.
func (b *ExponentialBackoff) ResetToMax() {
	b.current = b.max
}

// NextDelay returns the jittered wait for this attempt and advances the
// base for the next one.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	base := b.current
	jitter := time.Duration(0)
	if base > 0 {
		jitter = time.Duration((rand.Float64() - 0.5) * float64(base))
	}
	next := time.Duration(float64(max(b.current, b.initial)) * backoffFactor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return base + jitter
}

// Wait sleeps out one backoff period, returning early on ctx cancel.
func (b *ExponentialBackoff) Wait(ctx context.Context) error {
	delay := b.NextDelay()
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clk.TickAfter(delay):
		return nil
	}
}

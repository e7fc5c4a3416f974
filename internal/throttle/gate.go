// Package throttle implements the process-wide gate that bounds the rate of
// outbound registry calls. The upstream provider enforces a strict
// per-minute quota; serializing calls through a single permit and spacing
// them by a fixed quiescent interval keeps the whole process under that
// quota without tracking a sliding window. Only cache misses pass through
// the gate — cache hits never touch it.
package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultSpacing is the minimum interval between successive provider calls.
const DefaultSpacing = time.Second

// Gate is a capacity-1 token bucket with the refill paid at release time:
// Acquire blocks until the caller is the sole permit holder, and Release
// hands the permit back only after the spacing interval — measured from the
// moment the permit was acquired — has fully elapsed. Successive protected
// sections therefore start at least one spacing interval apart, no matter
// how many callers are queued.
//
// A Gate has process lifetime: construct one at startup and share it by
// reference. Waiters are served in FIFO-ish order (the semaphore queues
// them; exact fairness is not guaranteed, only mutual exclusion and
// eventual service).
type Gate struct {
	sem       *semaphore.Weighted
	spacingNs atomic.Int64

	mu         sync.Mutex
	acquiredAt time.Time // when the current holder took the permit

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the gate's time source and sleep function. Tests use
// this to verify spacing arithmetic without real waiting.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(g *Gate) {
		g.now = now
		g.sleep = sleep
	}
}

// New creates a gate with the given spacing. spacing <= 0 uses DefaultSpacing.
func New(spacing time.Duration, opts ...Option) *Gate {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	g := &Gate{
		sem:   semaphore.NewWeighted(1),
		now:   time.Now,
		sleep: time.Sleep,
	}
	g.spacingNs.Store(int64(spacing))
	for _, o := range opts {
		o(g)
	}
	return g
}

// Spacing returns the current minimum inter-call interval.
func (g *Gate) Spacing() time.Duration {
	return time.Duration(g.spacingNs.Load())
}

// SetSpacing updates the spacing interval. Takes effect on the next release;
// a holder already inside the gate pays the interval that was current when
// it releases.
func (g *Gate) SetSpacing(spacing time.Duration) {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	g.spacingNs.Store(int64(spacing))
}

// Acquire blocks until the caller holds the permit or ctx is done. A caller
// that abandons the wait leaves the queue without disturbing the permit or
// the spacing timer for other waiters.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.mu.Lock()
	g.acquiredAt = g.now()
	g.mu.Unlock()
	return nil
}

// Release waits out the remainder of the spacing interval and then returns
// the permit. The delay is paid on every exit path — success or failure —
// and whether or not another caller is already queued. Release must be
// called exactly once per successful Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	acquiredAt := g.acquiredAt
	g.mu.Unlock()

	if wait := g.Spacing() - g.now().Sub(acquiredAt); wait > 0 {
		g.sleep(wait)
	}
	g.sem.Release(1)
}

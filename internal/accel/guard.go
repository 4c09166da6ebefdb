// Package accel serializes access to the shared accelerator.
package accel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrUnavailable is returned when the caller gave up waiting for a slot.
var ErrUnavailable = errors.New("accelerator unavailable")

// Guard admits a fixed number of concurrent holders, one by default.
type Guard struct {
	sem     *semaphore.Weighted
	observe func(time.Duration)
	waiting atomic.Int64
	active  atomic.Int64
}

// NewGuard creates a guard with the given number of slots. observe, when
// set, receives how long each caller waited.
func NewGuard(slots int64, observe func(time.Duration)) *Guard {
	if slots <= 0 {
		slots = 1
	}
	return &Guard{sem: semaphore.NewWeighted(slots), observe: observe}
}

// Do runs fn while holding a slot.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if g.observe != nil {
		g.observe(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer g.sem.Release(1)

	g.active.Add(1)
	defer g.active.Add(-1)
	return fn(ctx)
}

// Waiting is the number of callers blocked in Do.
func (g *Guard) Waiting() int64 { return g.waiting.Load() }

// Active is the number of callers currently holding a slot.
func (g *Guard) Active() int64 { return g.active.Load() }

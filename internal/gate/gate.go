// Package gate provides a bounded admission primitive for outbound calls.
//
// A Gate is a counting semaphore with FIFO hand-off: Release passes the
// freed permit to the longest-waiting caller. A caller whose context ends
// while waiting is dropped from the queue without taking a permit.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most Size concurrent holders.
type Gate struct {
	size    int64
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	waiting atomic.Int64
}

// New creates a gate with n permits. n below 1 is treated as 1.
func New(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{
		size: int64(n),
		sem:  semaphore.NewWeighted(int64(n)),
	}
}

// Acquire blocks until a permit is granted or ctx is done. On error no
// permit is held and Release must not be called.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("gate acquire: %w", err)
	}
	g.inUse.Add(1)
	return nil
}

// Release returns a permit. Releasing a permit that is not held panics.
func (g *Gate) Release() {
	if g.inUse.Add(-1) < 0 {
		g.inUse.Add(1)
		panic("gate: release without matching acquire")
	}
	g.sem.Release(1)
}

// Do runs fn while holding a permit.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Size returns the permit count the gate was created with.
func (g *Gate) Size() int { return int(g.size) }

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }

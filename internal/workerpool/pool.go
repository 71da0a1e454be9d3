// Package workerpool bounds the number of concurrently running one-shot
// executions with a counting semaphore. Services and no-command executions
// never acquire a slot.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a bounded worker-slot pool.
type Pool struct {
	sem *semaphore.Weighted
	n   int
}

// New creates a Pool with n slots. n <= 0 selects a platform heuristic
// (NumCPU).
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
		if n < 1 {
			n = 1
		}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n)), n: n}
}

// Size returns the number of slots in the pool.
func (p *Pool) Size() int { return p.n }

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	p.sem.Release(1)
}

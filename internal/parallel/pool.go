// Package parallel provides the bounded-concurrency and cancellation
// primitives the assessment engine is built on: semaphore-backed pools,
// timeout-wrapped operations, combined cancellation signals, and a
// process-scoped memoization cache for shared one-time operations.
package parallel

import (
	"context"
	"errors"
	"math"
	"runtime"
)

// Pool is a semaphore-backed concurrency gate. A zero or negative capacity
// produces an unbounded pool whose Acquire never blocks.
type Pool struct {
	sem chan struct{}
	cap int
}

// NewPool creates a pool admitting at most capacity concurrent holders.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		return &Pool{}
	}
	return &Pool{
		sem: make(chan struct{}, capacity),
		cap: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	if p == nil {
		return errors.New("parallel: nil pool")
	}
	if ctx == nil {
		return errors.New("parallel: nil context")
	}
	if p.sem == nil {
		return ctx.Err()
	}
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously obtained with Acquire.
func (p *Pool) Release() {
	if p == nil || p.sem == nil {
		return
	}
	<-p.sem
}

// Cap returns the pool capacity, 0 meaning unbounded.
func (p *Pool) Cap() int {
	if p == nil {
		return 0
	}
	return p.cap
}

// OuterPoolSize resolves the job-pool size: the explicit value when positive,
// otherwise floor(availableParallelism * 0.8), never below 1.
func OuterPoolSize(explicit int) int {
	if explicit > 0 {
		return explicit
	}
	n := int(math.Floor(float64(runtime.NumCPU()) * 0.8))
	if n < 1 {
		n = 1
	}
	return n
}

// InnerPoolSize resolves the heavy-operation pool size. With an explicit
// value it is used as-is. In automatic mode it is floor(outer * 0.5), never
// below 1: build and test work runs underneath already-parallel jobs, so it
// is throttled below the outer limit. A non-automatic caller without an
// explicit value gets 0 (unbounded).
func InnerPoolSize(explicit int, outer int, automatic bool) int {
	if explicit > 0 {
		return explicit
	}
	if !automatic {
		return 0
	}
	n := int(math.Floor(float64(outer) * 0.5))
	if n < 1 {
		n = 1
	}
	return n
}

package resolver

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 16

// Pool bounds the number of concurrent upstream lookups. It is separate
// from frame production so a slow upstream can never stall playback.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool returns a pool admitting at most workers concurrent calls.
// Non-positive values use a default of 16.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), size: workers}
}

// Do runs fn once a worker slot is free. It returns ctx.Err() without
// running fn when ctx ends while waiting.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Size returns the worker limit.
func (p *Pool) Size() int { return p.size }

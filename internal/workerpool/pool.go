// Package workerpool bounds the number of blocking engine/database calls
// in flight at once, so a burst of commands or a large reconcile pass can
// never stall the dispatcher's or reconciler's cooperative scheduler past
// the configured concurrency.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool offloads blocking work onto a bounded number of concurrent slots.
type Pool struct {
	sem *semaphore.Weighted
}

// New builds a Pool that runs at most concurrency submissions at once.
func New(concurrency int64) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{sem: semaphore.NewWeighted(concurrency)}
}

// Submit blocks until a slot is free (or ctx is cancelled), then runs fn
// synchronously on the calling goroutine and releases the slot. It returns
// ctx.Err() without running fn if ctx is cancelled before a slot frees up,
// and fn's own error otherwise.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Go runs fn on its own goroutine, bounded by the pool, and reports the
// result on the returned channel. Useful for fanning out N independent
// calls and collecting results as they complete.
func (p *Pool) Go(ctx context.Context, fn func() error) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- p.Submit(ctx, fn)
	}()
	return result
}

package sched

import (
	"context"
	"sync"
)

// Future resolves with a dispatched job's result or error.
//
// If a thread-pool body itself returns a *Future (it launched further
// parallel sub-work), the dispatcher awaits that nested future before
// resolving this one, so callers never observe the fan-out.
type Future struct {
	once sync.Once
	done chan struct{}

	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// NewResolvedFuture is a convenience for bodies that fan out and already
// hold a result.
func NewResolvedFuture(value any, err error) *Future {
	f := newFuture()
	f.resolve(value, err)
	return f
}

// NewManualFuture returns a future plus its resolve function, for bodies
// that spawn their own sub-work and resolve later.
func NewManualFuture() (*Future, func(value any, err error)) {
	f := newFuture()
	return f, f.resolve
}

func (f *Future) resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until resolution or ctx cancellation. Cancellation abandons
// the wait only; the underlying job still runs to completion.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

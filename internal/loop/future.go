package loop

import (
	"context"
	"sync"
)

// Future is the single-value result of work scheduled on a loop.
// It is resolved exactly once and is safe for concurrent use.
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture returns a future that is already complete with err.
func resolvedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the future. It returns false if the future was
// already resolved.
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Cancel resolves the future with context.Canceled and cancels the work
// behind it when that work observes its context.
func (f *Future) Cancel() bool {
	if f.cancel != nil {
		f.cancel()
	}
	return f.Resolve(context.Canceled)
}

// Done returns a channel closed when the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result. It is nil until the future is resolved.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Resolved reports whether the future has completed.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package loop

import (
	"context"
	"sync/atomic"
	"time"
)

type taskKey struct{}

// task marks the context of a running loop task.
type task struct {
	loop *Loop
	held atomic.Bool
}

// Suspend runs fn with the loop released, so that callbacks and other tasks
// of the loop can run while fn blocks. It is the suspension point of a loop
// task: a task holds its loop for as long as it runs and must wait on
// channels, futures and timers inside Suspend.
//
// Outside a task, or when called again from within fn, Suspend just calls
// fn. It must be called from the task's own goroutine. When the loop stops
// while fn runs, Suspend returns fn's error, or ErrNotRunning when fn
// succeeded, without taking the loop back.
func Suspend(ctx context.Context, fn func() error) error {
	t, _ := ctx.Value(taskKey{}).(*task)
	if t == nil || !t.held.Load() {
		return fn()
	}

	t.held.Store(false)
	t.loop.release()
	err := fn()
	if !t.loop.acquire(t.loop.ctx) {
		if err == nil {
			err = ErrNotRunning
		}
		return err
	}
	t.held.Store(true)
	return err
}

// Await waits for f inside Suspend.
func Await(ctx context.Context, f *Future) error {
	return Suspend(ctx, func() error {
		return f.Wait(ctx)
	})
}

// Sleep pauses the task for d inside Suspend. It returns ctx.Err() if ctx
// is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	return Suspend(ctx, func() error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

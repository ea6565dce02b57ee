package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dshills/nexus/internal/loop"
)

// Kind selects how a deferred handler is handed to its loop.
type Kind int

const (
	// Callback schedules the handler as a plain callback on the loop goroutine.
	Callback Kind = iota
	// Task schedules the handler as a loop task.
	Task
)

// Dispatcher executes handlers either inline or by handing them off to a
// loop, and keeps execution statistics.
type Dispatcher struct {
	executor *Executor

	// Stats
	immediate   atomic.Uint64
	deferred    atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	panicked    atomic.Uint64
	skipped     atomic.Uint64
	dropped     atomic.Uint64
	totalTimeNs atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPanicHandler sets the panic handler used for every execution.
func WithPanicHandler(h PanicHandler) Option {
	return func(d *Dispatcher) {
		d.executor = NewExecutor(WithExecutorPanicHandler(h))
	}
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		executor: NewExecutor(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Immediate executes a handler synchronously in the caller's goroutine.
// The handler runs even when ctx is already done; it sees the cancellation
// through ctx.
func (d *Dispatcher) Immediate(ctx context.Context, event any, handler Handler) Result {
	d.immediate.Add(1)
	return d.record(d.executor.Run(ctx, event, handler))
}

// Defer hands the handler to target and returns without waiting for it.
// The returned future resolves with the handler's folded error once it has
// run; done, when non-nil, receives the full result on the loop.
//
// Defer fails when target is nil or is not accepting work. Scheduling is
// safe from any goroutine.
func (d *Dispatcher) Defer(target *loop.Loop, kind Kind, event any, handler Handler, done func(Result)) (*loop.Future, error) {
	if target == nil {
		d.dropped.Add(1)
		return nil, ErrNoLoop
	}
	if !target.Running() || !target.Alive() {
		d.dropped.Add(1)
		return nil, ErrLoopNotRunning
	}

	exec := func(ctx context.Context) error {
		r := d.run(ctx, event, handler)
		if done != nil {
			done(r)
		}
		return r.Err()
	}

	if kind == Task {
		f := target.Go(exec)
		if f.Resolved() && f.Err() == loop.ErrNotRunning {
			d.dropped.Add(1)
			return nil, ErrLoopNotRunning
		}
		d.deferred.Add(1)
		return f, nil
	}

	f := loop.NewFuture()
	if err := target.Post(func(ctx context.Context) {
		f.Resolve(exec(ctx))
	}); err != nil {
		d.dropped.Add(1)
		return nil, ErrLoopNotRunning
	}
	d.deferred.Add(1)
	return f, nil
}

func (d *Dispatcher) run(ctx context.Context, event any, handler Handler) Result {
	return d.record(d.executor.Execute(ctx, event, handler))
}

func (d *Dispatcher) record(result Result) Result {
	d.totalTimeNs.Add(result.Duration.Nanoseconds())

	switch {
	case result.Skipped:
		d.skipped.Add(1)
	case result.Panicked:
		d.panicked.Add(1)
	case result.Error != nil:
		d.failed.Add(1)
	case result.Success:
		d.succeeded.Add(1)
	}
	return result
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Immediate:     d.immediate.Load(),
		Deferred:      d.deferred.Load(),
		Succeeded:     d.succeeded.Load(),
		Failed:        d.failed.Load(),
		Panicked:      d.panicked.Load(),
		Skipped:       d.skipped.Load(),
		Dropped:       d.dropped.Load(),
		TotalDuration: time.Duration(d.totalTimeNs.Load()),
	}
}

// ResetStats resets all statistics to zero.
func (d *Dispatcher) ResetStats() {
	d.immediate.Store(0)
	d.deferred.Store(0)
	d.succeeded.Store(0)
	d.failed.Store(0)
	d.panicked.Store(0)
	d.skipped.Store(0)
	d.dropped.Store(0)
	d.totalTimeNs.Store(0)
}

// Stats contains statistics for a dispatcher.
type Stats struct {
	// Immediate is the number of inline executions.
	Immediate uint64

	// Deferred is the number of handlers handed off to a loop.
	Deferred uint64

	// Succeeded is the number of successful handler executions.
	Succeeded uint64

	// Failed is the number of handlers that returned errors.
	Failed uint64

	// Panicked is the number of handlers that panicked.
	Panicked uint64

	// Skipped is the number of handlers not run because their context was done.
	Skipped uint64

	// Dropped is the number of deferred deliveries that could not be scheduled.
	Dropped uint64

	// TotalDuration is the cumulative time spent in handlers.
	TotalDuration time.Duration
}

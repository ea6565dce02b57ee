package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/nexus/internal/logging"
)

// Sentinel errors for the loop package.
var (
	// ErrNotRunning is returned when work is scheduled on a loop that is not running.
	ErrNotRunning = errors.New("loop is not running")

	// ErrAlreadyRunning is returned when Run or Start is called on a running loop.
	ErrAlreadyRunning = errors.New("loop is already running")

	// ErrClosed is returned when Run or Start is called on a loop that has stopped.
	ErrClosed = errors.New("loop is closed")

	// ErrShutdownTimeout is returned when Stop or Drain exceeds its deadline.
	ErrShutdownTimeout = errors.New("loop shutdown timeout exceeded")

	// ErrCallbackPanic is returned by Call when the callback panicked.
	ErrCallbackPanic = errors.New("loop callback panicked")
)

// Callback is a unit of work executed on the loop goroutine.
type Callback func(ctx context.Context)

// TaskFunc is a unit of work executed as a loop-scoped task.
type TaskFunc func(ctx context.Context) error

// Loop is a task loop bound to a single goroutine.
//
// Callbacks submitted with Post run one at a time, in submission order, on
// the loop goroutine. Tasks submitted with Go run on their own goroutines
// but take turns with the callbacks and with each other: a loop holds a
// single run token, a task holds it while it runs and gives it up only
// inside Suspend, Await or Sleep. Code on one loop therefore never runs in
// parallel with other code on that loop. Tasks observe the loop through
// FromContext and are cancelled when it stops.
//
// A Loop runs once. After it stops it cannot be restarted.
type Loop struct {
	token  string
	name   string
	logger logging.Logger

	mu      sync.Mutex
	pending []Callback
	started bool
	running bool
	wake    chan struct{}

	// run is the run token. Whoever holds it executes on the loop.
	run chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	booted chan struct{}
	done   chan struct{}
	alive  atomic.Bool

	tasks    sync.WaitGroup
	inflight atomic.Int64

	// Stats
	posted    atomic.Uint64
	executed  atomic.Uint64
	panicked  atomic.Uint64
	discarded atomic.Uint64
	spawned   atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithToken sets the affinity token of the loop. Loops with the same token
// are treated as the same thread by dispatch decisions.
func WithToken(token string) Option {
	return func(l *Loop) {
		if token != "" {
			l.token = token
		}
	}
}

// WithName sets a human readable name used in logs.
func WithName(name string) Option {
	return func(l *Loop) {
		l.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a loop. It does nothing until Run or Start is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		token:  uuid.NewString(),
		logger: logging.Default(),
		wake:   make(chan struct{}, 1),
		run:    make(chan struct{}, 1),
		booted: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.name == "" {
		l.name = "loop-" + l.token[:8]
	}
	l.logger = logging.WithComponent(l.logger, "loop").With("loop", l.name)
	return l
}

// Token returns the affinity token.
func (l *Loop) Token() string {
	return l.token
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Running reports whether the loop accepts work.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Alive reports whether the loop goroutine is executing.
func (l *Loop) Alive() bool {
	return l.alive.Load()
}

// Done returns a channel closed once the loop goroutine has exited and all
// of its tasks have returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Context returns the loop context. It carries the loop identity and is
// cancelled when the loop stops. Before the loop starts it returns a
// context carrying only the loop identity.
func (l *Loop) Context() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		return WithLoop(context.Background(), l)
	}
	return l.ctx
}

// Start runs the loop on a new goroutine and returns once it is running.
func (l *Loop) Start() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(context.Background())
	}()
	select {
	case <-l.booted:
		return nil
	case err := <-errCh:
		return err
	}
}

// Run executes the loop on the calling goroutine until Stop is called or
// ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.begin(ctx); err != nil {
		return err
	}
	defer l.finish()

	l.logger.Debug("loop started", "token", l.token)
	for {
		if fn, ok := l.next(); ok {
			if !l.acquire(l.ctx) {
				l.requeue(fn)
				return nil
			}
			l.invoke(fn)
			l.release()
			continue
		}
		select {
		case <-l.wake:
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *Loop) begin(parent context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}
	if l.started {
		return ErrClosed
	}
	l.started = true
	l.running = true

	ctx, cancel := context.WithCancel(WithLoop(parent, l))
	l.ctx = ctx
	l.cancel = cancel
	l.alive.Store(true)
	close(l.booted)
	return nil
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.running = false
	dropped := len(l.pending)
	l.pending = nil
	l.mu.Unlock()

	l.cancel()
	if dropped > 0 {
		l.inflight.Add(-int64(dropped))
		l.discarded.Add(uint64(dropped))
		l.logger.Debug("loop stopped with pending callbacks", "discarded", dropped)
	}

	l.alive.Store(false)
	l.tasks.Wait()
	l.logger.Debug("loop stopped")
	close(l.done)
}

// next pops the oldest pending callback.
func (l *Loop) next() (Callback, bool) {
	if l.ctx.Err() != nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn, true
}

// requeue puts back a callback popped after the loop was stopped, so that
// finish accounts for it as discarded.
func (l *Loop) requeue(fn Callback) {
	l.mu.Lock()
	l.pending = append([]Callback{fn}, l.pending...)
	l.mu.Unlock()
}

// acquire takes the run token. It fails once ctx is done.
func (l *Loop) acquire(ctx context.Context) bool {
	select {
	case l.run <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if ctx.Err() != nil {
		l.release()
		return false
	}
	return true
}

func (l *Loop) release() {
	<-l.run
}

func (l *Loop) invoke(fn Callback) {
	defer l.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.logger.Error("loop callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	l.executed.Add(1)
	fn(l.ctx)
}

// Post schedules fn to run on the loop goroutine. It is safe to call from
// any goroutine and never blocks on the callback.
func (l *Loop) Post(fn Callback) error {
	if fn == nil {
		return errors.New("loop: nil callback")
	}
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.pending = append(l.pending, fn)
	l.inflight.Add(1)
	l.mu.Unlock()

	l.posted.Add(1)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Go starts fn as a task of the loop. The task waits for the run token
// before it starts and holds it until it returns, except inside Suspend.
// The returned future resolves with the task's error. A panicking task
// resolves with an error wrapping the panic; a task cancelled before it
// started resolves with its context error.
func (l *Loop) Go(fn TaskFunc) *Future {
	if fn == nil {
		return resolvedFuture(errors.New("loop: nil task"))
	}
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return resolvedFuture(ErrNotRunning)
	}
	ctx, cancel := context.WithCancel(l.ctx)
	f := NewFuture()
	f.cancel = cancel
	l.tasks.Add(1)
	l.inflight.Add(1)
	l.mu.Unlock()

	l.spawned.Add(1)
	go func() {
		defer l.tasks.Done()
		defer l.inflight.Add(-1)
		defer cancel()
		if !l.acquire(ctx) {
			f.Resolve(ctx.Err())
			return
		}
		t := &task{loop: l}
		t.held.Store(true)
		err := l.runTask(context.WithValue(ctx, taskKey{}, t), fn)
		if t.held.Load() {
			l.release()
		}
		f.Resolve(err)
	}()
	return f
}

func (l *Loop) runTask(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.logger.Error("loop task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()
	return fn(ctx)
}

// Call runs fn on the loop goroutine and waits for it to return. When ctx
// already belongs to the loop, fn runs inline.
func (l *Loop) Call(ctx context.Context, fn TaskFunc) error {
	if OnLoop(ctx, l) {
		return fn(ctx)
	}
	f := NewFuture()
	err := l.Post(func(lctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				f.Resolve(fmt.Errorf("%w: %v", ErrCallbackPanic, r))
				panic(r)
			}
		}()
		f.Resolve(fn(lctx))
	})
	if err != nil {
		return err
	}

	select {
	case <-f.Done():
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		if f.Resolved() {
			return f.Err()
		}
		return ErrNotRunning
	}
}

// Stop stops the loop and waits for its goroutine and tasks to finish.
// Callbacks still pending are discarded; running tasks see their context
// cancelled. When called from the loop itself, Stop does not wait.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.running = false
	l.mu.Unlock()

	l.cancel()

	if OnLoop(ctx, l) {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}

// StopTimeout stops the loop, waiting at most timeout.
func (l *Loop) StopTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Stop(ctx)
}

// Drain waits until every callback and task submitted so far has finished.
// The loop keeps running.
func (l *Loop) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.inflight.Load() == 0 {
			return nil
		}
		if !l.Alive() {
			return ErrNotRunning
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
		}
	}
}

// QueueDepth returns the number of callbacks waiting to run.
func (l *Loop) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Stats returns loop statistics.
func (l *Loop) Stats() Stats {
	return Stats{
		Posted:     l.posted.Load(),
		Executed:   l.executed.Load(),
		Panicked:   l.panicked.Load(),
		Discarded:  l.discarded.Load(),
		Spawned:    l.spawned.Load(),
		QueueDepth: l.QueueDepth(),
	}
}

// Stats contains statistics for a loop.
type Stats struct {
	// Posted is the number of callbacks accepted by Post.
	Posted uint64

	// Executed is the number of callbacks that ran.
	Executed uint64

	// Panicked is the number of callbacks and tasks that panicked.
	Panicked uint64

	// Discarded is the number of callbacks dropped because the loop stopped.
	Discarded uint64

	// Spawned is the number of tasks started with Go.
	Spawned uint64

	// QueueDepth is the current number of pending callbacks.
	QueueDepth int
}

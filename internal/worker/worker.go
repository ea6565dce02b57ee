package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/nexus/internal/event"
	"github.com/dshills/nexus/internal/event/dispatch"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
)

const (
	// DefaultQueueSize is the default capacity of the task queue.
	DefaultQueueSize = 10000

	// DefaultJoinTimeout bounds how long Stop waits for the worker to finish.
	DefaultJoinTimeout = 2 * time.Second
)

// Task is a unit of work queued on a worker.
type Task func(ctx context.Context) error

// RunFunc is the entry function of a worker. It runs as a task on the
// worker loop and holds the loop while it runs, so it must wait on channels
// and timers inside loop.Suspend, loop.Await or loop.Sleep to let
// deliveries to the worker run. It should return when ctx is done.
type RunFunc func(ctx context.Context, w *Worker) error

// Observer receives worker lifecycle and task notifications.
// Implementations must be safe for concurrent use.
type Observer interface {
	// StateChanged is called on every state transition.
	StateChanged(worker string, from, to State)

	// TaskDone is called after a queued task has run.
	TaskDone(worker string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State, State) {}
func (nopObserver) TaskDone(string, time.Duration, error) {}

// Option configures a Worker.
type Option func(*config)

type config struct {
	name        string
	queueSize   int
	joinTimeout time.Duration
	logger      logging.Logger
	observer    Observer
	objectOpts  []event.ObjectOption
}

// WithName sets the worker name used in logs and metrics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithQueueSize sets the capacity of the task queue.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithJoinTimeout sets how long Stop waits for the worker to finish.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithEventObserver sets the delivery observer of the worker's own sources.
func WithEventObserver(o event.Observer) Option {
	return func(c *config) {
		c.objectOpts = append(c.objectOpts, event.WithObserver(o))
	}
}

// WithWeakDefault sets the weak default of connections to the worker's
// sources.
func WithWeakDefault(weak bool) Option {
	return func(c *config) {
		c.objectOpts = append(c.objectOpts, event.WithWeakDefault(weak))
	}
}

// StartOption configures a single run of a worker.
type StartOption func(*startConfig)

type startConfig struct {
	run RunFunc
}

// WithRun replaces the default queue processor with fn.
func WithRun(fn RunFunc) StartOption {
	return func(c *startConfig) {
		c.run = fn
	}
}

type queued struct {
	task   Task
	future *loop.Future
}

// Worker owns a loop running on its own goroutine and a FIFO task queue
// processed on that loop.
//
// A Worker is an event participant. Its affinity token is fixed for its
// lifetime; each Start creates a fresh loop carrying that token. Objects
// moved to the worker with MoveToThread have their deliveries run on the
// worker loop. Deliveries, queued tasks and the entry function take turns
// on that loop and never run in parallel.
//
// Thread Safety: all methods are safe for concurrent use. Start and Stop
// are serialized.
type Worker struct {
	event.Object

	// Started is emitted on the worker loop once the loop is running.
	Started *event.Source[struct{}]

	// Stopped is emitted once per run, on the worker loop before it shuts
	// down. When the entry function misses the join timeout it is emitted
	// from the goroutine calling Stop instead.
	Stopped *event.Source[struct{}]

	id          string
	name        string
	queueSize   int
	joinTimeout time.Duration
	baseLogger  logging.Logger
	logger      logging.Logger
	observer    Observer
	executor    *dispatch.Executor

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	state     atomic.Int32

	// mu guards the current run and the state checks of QueueTask.
	mu        sync.RWMutex
	curLoop   *loop.Loop
	queue     chan queued
	cancelRun context.CancelFunc
	runDone   *loop.Future
	stopped   chan struct{}

	// Stats
	queued    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// New creates a worker in the Created state.
func New(opts ...Option) *Worker {
	cfg := config{
		queueSize:   DefaultQueueSize,
		joinTimeout: DefaultJoinTimeout,
		logger:      logging.Default(),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	if cfg.name == "" {
		cfg.name = "worker-" + id[:8]
	}

	w := &Worker{
		id:          id,
		name:        cfg.name,
		queueSize:   cfg.queueSize,
		joinTimeout: cfg.joinTimeout,
		baseLogger:  cfg.logger,
		logger:      logging.WithComponent(cfg.logger, "worker").With("worker", cfg.name),
		observer:    cfg.observer,
		executor:    dispatch.NewExecutor(),
	}
	w.state.Store(int32(StateCreated))

	objectOpts := append([]event.ObjectOption{
		event.WithAffinity(event.Affinity{Token: id}),
		event.WithName(cfg.name),
		event.WithLogger(cfg.logger),
	}, cfg.objectOpts...)
	// Init only fails without an affinity token.
	_ = w.Init(context.Background(), objectOpts...)

	w.Started = event.SourceOf[struct{}](&w.Object, "started")
	w.Stopped = event.SourceOf[struct{}](&w.Object, "stopped")
	return w
}

// ID returns the worker's affinity token.
func (w *Worker) ID() string {
	return w.id
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(to State) {
	from := State(w.state.Swap(int32(to)))
	w.observer.StateChanged(w.name, from, to)
	w.logger.Debug("state changed", "from", from.String(), "to", to.String())
}

// Start boots a new loop, emits Started on it and then runs the entry
// function as a loop task. Without WithRun the entry function is
// ProcessQueue. Start returns once the worker is Started.
//
// Start is valid from Created and Stopped.
func (w *Worker) Start(opts ...StartOption) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	prev := w.State()
	if prev != StateCreated && prev != StateStopped {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, prev)
	}

	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	run := cfg.run
	if run == nil {
		run = func(ctx context.Context, w *Worker) error {
			return w.ProcessQueue(ctx)
		}
	}

	l := loop.New(loop.WithToken(w.id), loop.WithName(w.name), loop.WithLogger(w.baseLogger))
	if err := l.Start(); err != nil {
		return fmt.Errorf("worker %s: start loop: %w", w.name, err)
	}
	w.AssignAffinity(event.AffinityOf(l))

	// The loop is in place before Starting is observable, so Loop and
	// CopyAffinity never see a half started worker.
	runCtx, cancelRun := context.WithCancel(context.Background())
	w.mu.Lock()
	w.curLoop = l
	w.queue = make(chan queued, w.queueSize)
	w.cancelRun = cancelRun
	w.stopped = make(chan struct{})
	w.setState(StateStarting)
	w.mu.Unlock()

	if err := l.Call(context.Background(), func(ctx context.Context) error {
		w.Started.Emit(ctx, struct{}{})
		return nil
	}); err != nil {
		w.logger.Warn("started notification failed", "error", err)
	}

	w.mu.Lock()
	w.setState(StateStarted)
	w.runDone = l.Go(func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(runCtx, cancel)()

		err := run(ctx, w)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("run function failed", "error", err)
		}
		return err
	})
	w.mu.Unlock()

	w.logger.Info("worker started", "loop", l.Name())
	return nil
}

// Stop shuts the worker down: it cancels the entry function and waits for
// it, cancels tasks still in the queue, emits Stopped on the worker loop and
// stops the loop. The whole sequence is bounded by the join timeout; when it
// is exceeded Stop returns ErrShutdownTimeout and the worker is Stopped
// anyway. Stopped is emitted exactly once either way.
//
// Stop is valid from Started.
func (w *Worker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if s := w.State(); s != StateStarted {
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, s)
	}

	w.mu.Lock()
	w.setState(StateStopping)
	l, queue, cancelRun, runDone, stopped := w.curLoop, w.queue, w.cancelRun, w.runDone, w.stopped
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.joinTimeout)
	defer cancel()

	var errs []error
	cancelRun()
	if err := runDone.Wait(ctx); err != nil && !runDone.Resolved() {
		errs = append(errs, fmt.Errorf("%w: run function did not return", ErrShutdownTimeout))
	}

	if n := w.cancelQueued(queue); n > 0 {
		w.logger.Debug("cancelled queued tasks", "count", n)
	}

	var once sync.Once
	emitStopped := func(ctx context.Context) {
		once.Do(func() { w.Stopped.Emit(ctx, struct{}{}) })
	}
	// A run function that is still running holds the loop.
	if runDone.Resolved() {
		if err := l.Call(ctx, func(ctx context.Context) error {
			emitStopped(ctx)
			return nil
		}); err != nil {
			w.logger.Warn("stopped notification not run on loop", "error", err)
		}
	}

	if err := l.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	emitStopped(context.Background())

	w.mu.Lock()
	w.setState(StateStopped)
	close(stopped)
	w.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		w.logger.Warn("worker stopped with errors", "error", err)
		return fmt.Errorf("worker %s: %w", w.name, err)
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) cancelQueued(queue chan queued) int {
	n := 0
	for {
		select {
		case q := <-queue:
			if q.future.Cancel() {
				w.cancelled.Add(1)
				n++
			}
		default:
			return n
		}
	}
}

// WaitForStop blocks until the current run of the worker has stopped or ctx
// is done. It returns ErrNotStarted if the worker was never started.
func (w *Worker) WaitForStop(ctx context.Context) error {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped == nil {
		return ErrNotStarted
	}

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop returns the worker loop. It fails with ErrNotStarted unless the
// worker is starting, started or stopping.
func (w *Worker) Loop() (*loop.Loop, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch w.State() {
	case StateStarting, StateStarted, StateStopping:
		return w.curLoop, nil
	default:
		return nil, ErrNotStarted
	}
}

// CopyAffinity binds target to the worker loop. target must implement
// event.Participant. It is what Object.MoveToThread calls when given a
// worker.
func (w *Worker) CopyAffinity(target any) error {
	if _, err := w.Loop(); err != nil {
		return err
	}
	p, ok := target.(event.Participant)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotParticipant, target)
	}
	p.AssignAffinity(w.Affinity())
	w.logger.Debug("affinity copied", "target", fmt.Sprintf("%T", target))
	return nil
}

// QueueTask appends task to the FIFO queue and returns a future carrying
// its result. A task cancelled through its future before it starts is
// skipped.
func (w *Worker) QueueTask(task Task) (*loop.Future, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.State() != StateStarted {
		return nil, ErrNotStarted
	}
	if task == nil {
		return nil, ErrInvalidTask
	}

	f := loop.NewFuture()
	select {
	case w.queue <- queued{task: task, future: f}:
		w.queued.Add(1)
		return f, nil
	default:
		return nil, fmt.Errorf("%w: capacity %d", ErrQueueFull, w.queueSize)
	}
}

// ProcessQueue runs queued tasks one at a time, in FIFO order, until ctx is
// done. It gives the worker loop up while the queue is empty. It is the
// default entry function; a custom one may call it.
// A failing task is logged and does not stop the processor.
func (w *Worker) ProcessQueue(ctx context.Context) error {
	w.mu.RLock()
	queue := w.queue
	w.mu.RUnlock()
	if queue == nil {
		return ErrNotStarted
	}

	for {
		var q queued
		err := loop.Suspend(ctx, func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case q = <-queue:
				return nil
			}
		})
		if err != nil {
			// Taken from the queue but the loop stopped before it could run.
			if q.future != nil && q.future.Cancel() {
				w.cancelled.Add(1)
			}
			return err
		}
		w.runTask(ctx, q)
	}
}

func (w *Worker) runTask(ctx context.Context, q queued) {
	if q.future.Resolved() {
		return
	}

	r := w.executor.Execute(ctx, nil, dispatch.HandlerFunc(func(ctx context.Context, _ any) error {
		return q.task(ctx)
	}))
	err := r.Err()
	w.observer.TaskDone(w.name, r.Duration, err)

	switch {
	case r.Skipped:
		w.cancelled.Add(1)
		w.logger.Debug("task skipped", "error", err)
	case r.Panicked:
		w.failed.Add(1)
		w.logger.Error("task panicked", "panic", r.PanicValue, "stack", string(r.PanicStack))
	case err != nil:
		w.failed.Add(1)
		w.logger.Error("task failed", "error", err)
	default:
		w.completed.Add(1)
	}
	q.future.Resolve(err)
}

// QueueDepth returns the number of tasks waiting in the queue.
func (w *Worker) QueueDepth() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.queue)
}

// Stats returns worker statistics.
func (w *Worker) Stats() Stats {
	return Stats{
		State:      w.State(),
		Queued:     w.queued.Load(),
		Completed:  w.completed.Load(),
		Failed:     w.failed.Load(),
		Cancelled:  w.cancelled.Load(),
		QueueDepth: w.QueueDepth(),
	}
}

// Stats contains worker statistics.
type Stats struct {
	State      State
	Queued     uint64
	Completed  uint64
	Failed     uint64
	Cancelled  uint64
	QueueDepth int
}

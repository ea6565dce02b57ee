package event

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/dshills/nexus/internal/event/dispatch"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
)

var defaultDispatcher = dispatch.New()

// Source is a named event source with payload type T. Handlers are
// delivered in connection order.
//
// A Source owned by an Object takes its affinity, weak default, logger and
// observer from the owner. A Source without owner has no affinity, so
// blocking handlers run inline and receivers are held strongly by default.
type Source[T any] struct {
	name  string
	owner *Object

	mu    sync.Mutex
	conns []*connection[T]

	// Stats
	emitted   atomic.Uint64
	immediate atomic.Uint64
	deferred  atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	pruned    atomic.Uint64
}

// NewSource creates a source. owner may be nil.
func NewSource[T any](owner *Object, name string) *Source[T] {
	if name == "" {
		name = "<anonymous>"
	}
	return &Source[T]{name: name, owner: owner}
}

// Name returns the source name.
func (s *Source[T]) Name() string {
	return s.name
}

// Owner returns the owning object, or nil.
func (s *Source[T]) Owner() *Object {
	return s.owner
}

// Len returns the number of connections.
func (s *Source[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connect connects a free function or closure. The handler has no receiver,
// so it carries no affinity and is always held strongly.
func (s *Source[T]) Connect(fn Handler[T], opts ...ConnectOption) error {
	if fn == nil {
		return ErrNotCallable
	}
	cfg, err := buildConnectConfig(opts)
	if err != nil {
		return err
	}
	s.add(&connection[T]{
		id:        connectionIDs.Add(1),
		handlerID: funcID(fn),
		fn:        fn,
		conv:      cfg.conv,
		mode:      cfg.mode,
		oneShot:   cfg.oneShot,
	})
	return nil
}

// ConnectMethod connects method bound to recv. Pass a method expression:
//
//	event.ConnectMethod(src, counter, (*Counter).OnTick)
//
// If *R is a Participant, its affinity drives the dispatch decision. A weak
// connection is pruned as soon as recv is collected.
func ConnectMethod[R any, T any](s *Source[T], recv *R, method func(*R, context.Context, T) error, opts ...ConnectOption) error {
	if method == nil {
		return ErrNotCallable
	}
	if recv == nil {
		return ErrNilReceiver
	}
	cfg, err := buildConnectConfig(opts)
	if err != nil {
		return err
	}

	c := &connection[T]{
		id:        connectionIDs.Add(1),
		handlerID: funcID(method),
		conv:      cfg.conv,
		mode:      cfg.mode,
		oneShot:   cfg.oneShot,
		weak:      s.resolveWeak(cfg),
	}
	if c.weak {
		c.ref = weakRef[R, T]{ptr: weak.Make(recv), method: method}
		pruneOnCollect(s, recv, c.id)
	} else {
		c.ref = strongRef[R, T]{recv: recv, method: method}
	}

	s.add(c)
	if h, ok := any(recv).(objectHolder); ok {
		link(h.eventObject(), s, c.id)
	}
	return nil
}

// ConnectSlot connects a declared slot. The slot's receiver and calling
// convention apply; a Suspending option has no further effect.
func (s *Source[T]) ConnectSlot(slot *Slot[T], opts ...ConnectOption) error {
	if slot == nil {
		return ErrNotCallable
	}
	cfg, err := buildConnectConfig(opts)
	if err != nil {
		return err
	}

	c := &connection[T]{
		id:        connectionIDs.Add(1),
		handlerID: slot.method,
		conv:      slot.conv,
		mode:      cfg.mode,
		oneShot:   cfg.oneShot,
		weak:      s.resolveWeak(cfg),
	}
	if c.weak {
		c.ref = weakSlotRef[T]{ptr: weak.Make(slot)}
		pruneOnCollect(s, slot, c.id)
	} else {
		c.ref = strongSlotRef[T]{slot: slot}
	}

	s.add(c)
	if h, ok := slot.recv.(objectHolder); ok {
		link(h.eventObject(), s, c.id)
	}
	return nil
}

func (s *Source[T]) resolveWeak(cfg connectConfig) bool {
	if cfg.weakSet {
		return cfg.weak
	}
	if s.owner == nil {
		return false
	}
	return s.owner.WeakDefault()
}

// pruneOnCollect removes connection id from s once ptr is collected. The
// cleanup holds s weakly so that a receiver owning s can still be collected.
func pruneOnCollect[P any, T any](s *Source[T], ptr *P, id uint64) {
	sp := weak.Make(s)
	runtime.AddCleanup(ptr, func(id uint64) {
		if s := sp.Value(); s != nil {
			s.prune(id)
		}
	}, id)
}

func (s *Source[T]) add(c *connection[T]) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	s.log().Debug("connected",
		"connection", c.id, "mode", c.mode.String(), "convention", c.conv.String(),
		"weak", c.weak, "one_shot", c.oneShot)
}

// removeID removes the connection with the given id and reports whether it
// was present.
func (s *Source[T]) removeID(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c.id == id {
			s.conns = slices.Delete(s.conns, i, i+1)
			return true
		}
	}
	return false
}

func (s *Source[T]) hasID(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.id == id {
			return true
		}
	}
	return false
}

func (s *Source[T]) prune(id uint64) {
	if s.removeID(id) {
		s.pruned.Add(1)
		s.obs().Pruned(s.name, 1)
		s.log().Debug("pruned connection of collected receiver", "connection", id)
	}
}

// Disconnect removes connections and returns how many were removed.
//
// With both arguments nil every connection is removed. Otherwise a
// connection is removed when it matches every non-nil filter: receiver by
// identity, handler by func value identity. handler may be a Handler[T], a
// method expression or a *Slot[T]; a slot also filters on its receiver.
// Every closure instance is a distinct handler, and so is every evaluation
// of a method value such as r.OnTick; connect methods with ConnectMethod to
// disconnect them by method expression. Weak
// connections are resolved first; a collected one matches only when no
// receiver filter is given.
func (s *Source[T]) Disconnect(receiver any, handler any) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if receiver == nil && handler == nil {
		n := len(s.conns)
		s.conns = nil
		return n
	}

	var hid uintptr
	if slot, ok := handler.(*Slot[T]); ok && slot != nil {
		hid = slot.method
		if receiver == nil {
			receiver = slot.recv
		}
	} else if handler != nil {
		hid = funcID(handler)
		if hid == 0 {
			return 0
		}
	}

	before := len(s.conns)
	s.conns = slices.DeleteFunc(s.conns, func(c *connection[T]) bool {
		recv, _, alive := c.resolve()
		receiverMatch := receiver == nil || (alive && recv != nil && recv == receiver)
		handlerMatch := hid == 0 || !alive || c.handlerID == hid
		return receiverMatch && handlerMatch
	})
	return before - len(s.conns)
}

// Emit delivers v to every connection present when Emit is called.
//
// Connections are snapshotted under the lock and then visited in order
// without it, so handlers may connect and disconnect freely. Dead weak
// connections are removed and skipped. Immediate handlers run before Emit
// returns; deferred handlers are handed to their loop and Emit does not
// wait for them. Handler errors and panics are logged and never stop the
// emission.
func (s *Source[T]) Emit(ctx context.Context, v T) {
	s.mu.Lock()
	snapshot := slices.Clone(s.conns)
	s.mu.Unlock()

	logger := s.log()
	obs := s.obs()
	owner := s.ownerAffinity()

	s.emitted.Add(1)
	obs.Emitted(s.name, len(snapshot))
	start := time.Now()
	logger.Debug("emit started", "connections", len(snapshot), "owner", owner.Token)

	for _, c := range snapshot {
		recv, h, alive := c.resolve()
		if !alive {
			if s.removeID(c.id) {
				s.pruned.Add(1)
				obs.Pruned(s.name, 1)
			}
			continue
		}

		// A one-shot connection is claimed before dispatch so that
		// concurrent emitters deliver it at most once.
		if c.oneShot && !s.removeID(c.id) {
			continue
		}

		mode := Decide(c.mode, c.conv, targetAffinity(recv), owner)
		s.deliver(ctx, c, recv, h, mode, v)
	}

	logger.Debug("emit completed", "elapsed", time.Since(start))
}

func (s *Source[T]) deliver(ctx context.Context, c *connection[T], recv any, h Handler[T], mode Mode, v T) {
	d := s.disp()
	handler := dispatch.HandlerFunc(func(ctx context.Context, _ any) error {
		return h(ctx, v)
	})

	if mode == ModeImmediate {
		s.immediate.Add(1)
		r := d.Immediate(ctx, v, handler)
		s.record(c, mode, r)
		return
	}

	target := deferTarget(ctx, recv)
	if target == nil {
		s.dropped.Add(1)
		s.obs().Dropped(s.name, DropNoLoop)
		s.log().Error("deferred delivery dropped", "connection", c.id, "error", ErrNoRunningLoop)
		return
	}

	kind := dispatch.Callback
	if c.conv == ConvSuspending {
		kind = dispatch.Task
	}
	_, err := d.Defer(target, kind, v, handler, func(r dispatch.Result) {
		s.record(c, mode, r)
	})
	if err != nil {
		s.dropped.Add(1)
		reason := DropLoopNotRunning
		if errors.Is(err, dispatch.ErrNoLoop) {
			reason = DropNoLoop
		}
		s.obs().Dropped(s.name, reason)
		s.log().Warn("deferred delivery dropped", "connection", c.id, "loop", target.Name(), "error", err)
		return
	}
	s.deferred.Add(1)
}

// deferTarget returns the loop a deferred handler runs on: the receiver's
// loop, or the loop running ctx when there is no participant receiver.
func deferTarget(ctx context.Context, recv any) *loop.Loop {
	if l := targetAffinity(recv).Loop; l != nil {
		return l
	}
	return loop.FromContext(ctx)
}

func (s *Source[T]) record(c *connection[T], mode Mode, r dispatch.Result) {
	s.obs().Delivered(s.name, mode, r.Duration, r.Err())

	err := resultError(s.name, c.id, mode, r)
	switch {
	case err == nil:
		return
	case r.Skipped:
		s.log().Debug("handler skipped", "connection", c.id, "mode", mode.String(), "error", r.Error)
	case r.Panicked:
		s.panicked.Add(1)
		s.log().Error("handler panicked", "connection", c.id, "mode", mode.String(),
			"panic", r.PanicValue, "stack", string(r.PanicStack))
	default:
		s.failed.Add(1)
		s.log().Error("handler failed", "connection", c.id, "mode", mode.String(), "error", err)
	}
}

func (s *Source[T]) ownerAffinity() Affinity {
	if s.owner == nil {
		return Affinity{}
	}
	return s.owner.Affinity()
}

func (s *Source[T]) log() logging.Logger {
	var l logging.Logger
	if s.owner != nil {
		l = s.owner.log()
	} else {
		l = logging.Default()
	}
	return logging.WithComponent(l, "source").With("source", s.name)
}

func (s *Source[T]) obs() Observer {
	if s.owner == nil {
		return nopObserver{}
	}
	return s.owner.obs()
}

func (s *Source[T]) disp() *dispatch.Dispatcher {
	if s.owner == nil {
		return defaultDispatcher
	}
	return s.owner.disp()
}

// Stats returns source statistics.
func (s *Source[T]) Stats() SourceStats {
	return SourceStats{
		Connections: s.Len(),
		Emitted:     s.emitted.Load(),
		Immediate:   s.immediate.Load(),
		Deferred:    s.deferred.Load(),
		Dropped:     s.dropped.Load(),
		Failed:      s.failed.Load(),
		Panicked:    s.panicked.Load(),
		Pruned:      s.pruned.Load(),
	}
}

// SourceStats contains statistics for a source.
type SourceStats struct {
	// Connections is the current number of connections.
	Connections int

	// Emitted is the number of Emit calls.
	Emitted uint64

	// Immediate is the number of inline deliveries.
	Immediate uint64

	// Deferred is the number of deliveries handed to a loop.
	Deferred uint64

	// Dropped is the number of deferred deliveries that could not be scheduled.
	Dropped uint64

	// Failed is the number of handlers that returned an error.
	Failed uint64

	// Panicked is the number of handlers that panicked.
	Panicked uint64

	// Pruned is the number of connections removed because their receiver was collected.
	Pruned uint64
}

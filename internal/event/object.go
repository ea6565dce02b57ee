package event

import (
	"context"
	"fmt"
	"sync"
	"weak"

	"github.com/dshills/nexus/internal/event/dispatch"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
)

// Object carries the affinity and connection defaults of an event
// participant. Embed it in a struct and call Init from the constructor:
//
//	type Counter struct {
//	    event.Object
//	    value int
//	}
//
//	func NewCounter(ctx context.Context) (*Counter, error) {
//	    c := &Counter{}
//	    if err := c.Init(ctx); err != nil {
//	        return nil, err
//	    }
//	    return c, nil
//	}
//
// The embedding type then satisfies Participant and can own sources
// through SourceOf.
type Object struct {
	// mu is the lifecycle lock. It guards affinity, which Emit reads while
	// MoveToThread may replace it from another goroutine.
	mu          sync.RWMutex
	affinity    Affinity
	weakDefault bool
	name        string
	logger      logging.Logger
	observer    Observer
	dispatcher  *dispatch.Dispatcher

	sourcesMu sync.Mutex
	sources   map[string]any

	linksMu    sync.Mutex
	links      map[uint64]backlink
	linksLimit int
}

// ObjectOption configures an Object.
type ObjectOption func(*objectConfig)

type objectConfig struct {
	affinity    Affinity
	weakDefault bool
	name        string
	logger      logging.Logger
	observer    Observer
	dispatcher  *dispatch.Dispatcher
}

// WithLoop binds the object to l instead of the loop found in the context.
func WithLoop(l *loop.Loop) ObjectOption {
	return func(c *objectConfig) {
		c.affinity = AffinityOf(l)
	}
}

// WithAffinity binds the object to an explicit affinity.
func WithAffinity(a Affinity) ObjectOption {
	return func(c *objectConfig) {
		c.affinity = a
	}
}

// WithWeakDefault sets whether connections to sources owned by this object
// hold their receivers weakly when the connect call does not say.
// The default is true.
func WithWeakDefault(weak bool) ObjectOption {
	return func(c *objectConfig) {
		c.weakDefault = weak
	}
}

// WithName sets the name used in logs.
func WithName(name string) ObjectOption {
	return func(c *objectConfig) {
		c.name = name
	}
}

// WithLogger sets the logger used by the object's sources.
func WithLogger(l logging.Logger) ObjectOption {
	return func(c *objectConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the delivery observer for the object's sources.
func WithObserver(o Observer) ObjectOption {
	return func(c *objectConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithDispatcher shares a dispatcher, and its statistics, between objects.
func WithDispatcher(d *dispatch.Dispatcher) ObjectOption {
	return func(c *objectConfig) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// NewObject creates a standalone participant.
func NewObject(ctx context.Context, opts ...ObjectOption) (*Object, error) {
	o := &Object{}
	if err := o.Init(ctx, opts...); err != nil {
		return nil, err
	}
	return o, nil
}

// Init captures the object's affinity from the loop running ctx, unless an
// option supplies one. It fails with ErrNoRunningLoop when neither does.
func (o *Object) Init(ctx context.Context, opts ...ObjectOption) error {
	cfg := objectConfig{
		weakDefault: true,
		logger:      logging.Default(),
		observer:    nopObserver{},
		dispatcher:  defaultDispatcher,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.affinity.IsZero() {
		cfg.affinity = AffinityOf(loop.FromContext(ctx))
	}
	if cfg.affinity.IsZero() {
		return fmt.Errorf("event: init object %q: %w", cfg.name, ErrNoRunningLoop)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.affinity = cfg.affinity
	o.weakDefault = cfg.weakDefault
	o.name = cfg.name
	o.logger = cfg.logger
	o.observer = cfg.observer
	o.dispatcher = cfg.dispatcher
	return nil
}

// Affinity returns the object's current affinity.
func (o *Object) Affinity() Affinity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.affinity
}

// AssignAffinity replaces the object's affinity.
func (o *Object) AssignAffinity(a Affinity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.affinity = a
}

// Loop returns the loop the object belongs to, or nil.
func (o *Object) Loop() *loop.Loop {
	return o.Affinity().Loop
}

// Name returns the object name.
func (o *Object) Name() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.name
}

// WeakDefault reports the default weak setting for connections.
func (o *Object) WeakDefault() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.weakDefault
}

// affinityCopier is implemented by workers.
type affinityCopier interface {
	CopyAffinity(target any) error
}

// MoveToThread rebinds the object to the loop of src. Deliveries addressed
// to the object are evaluated against the new affinity from then on.
func (o *Object) MoveToThread(src AffinitySource) error {
	if c, ok := src.(affinityCopier); ok {
		return c.CopyAffinity(o)
	}
	a := src.Affinity()
	if a.IsZero() {
		return ErrNoRunningLoop
	}
	o.AssignAffinity(a)
	return nil
}

// Detach removes every connection whose receiver is this object from every
// source it is connected to, and returns the number removed.
func (o *Object) Detach() int {
	o.linksMu.Lock()
	links := o.links
	o.links = nil
	o.linksLimit = 0
	o.linksMu.Unlock()

	n := 0
	for _, l := range links {
		if l.unlink() {
			n++
		}
	}
	return n
}

// eventObject lets sources find the Object embedded in a receiver.
func (o *Object) eventObject() *Object {
	return o
}

type objectHolder interface {
	eventObject() *Object
}

// backlink is the receiver-side index entry of one connection. It holds
// the source weakly so that it never extends the source's lifetime.
type backlink struct {
	unlink func() bool
	live   func() bool
}

// link records that connection id on s targets this object.
func link[T any](o *Object, s *Source[T], id uint64) {
	sp := weak.Make(s)
	bl := backlink{
		unlink: func() bool {
			if s := sp.Value(); s != nil {
				return s.removeID(id)
			}
			return false
		},
		live: func() bool {
			s := sp.Value()
			return s != nil && s.hasID(id)
		},
	}

	o.linksMu.Lock()
	defer o.linksMu.Unlock()
	if o.links == nil {
		o.links = make(map[uint64]backlink)
		o.linksLimit = 64
	}
	o.links[id] = bl

	// Drop links whose connection is already gone.
	if len(o.links) >= o.linksLimit {
		for lid, l := range o.links {
			if !l.live() {
				delete(o.links, lid)
			}
		}
		o.linksLimit = 2 * max(len(o.links), 32)
	}
}

func (o *Object) log() logging.Logger {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.logger == nil {
		return logging.Default()
	}
	return o.logger
}

func (o *Object) obs() Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.observer == nil {
		return nopObserver{}
	}
	return o.observer
}

func (o *Object) disp() *dispatch.Dispatcher {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.dispatcher == nil {
		return defaultDispatcher
	}
	return o.dispatcher
}

// SourceOf returns the source called name owned by o, creating it on first
// use. It panics if name was first declared with another payload type.
func SourceOf[T any](o *Object, name string) *Source[T] {
	s, err := LookupSource[T](o, name)
	if err != nil {
		panic(err)
	}
	return s
}

// LookupSource is like SourceOf but reports a payload type mismatch as
// ErrSourceType.
func LookupSource[T any](o *Object, name string) (*Source[T], error) {
	o.sourcesMu.Lock()
	defer o.sourcesMu.Unlock()

	if existing, ok := o.sources[name]; ok {
		s, ok := existing.(*Source[T])
		if !ok {
			return nil, fmt.Errorf("%w: source %q is %T", ErrSourceType, name, existing)
		}
		return s, nil
	}
	if o.sources == nil {
		o.sources = make(map[string]any)
	}
	s := NewSource[T](o, name)
	o.sources[name] = s
	return s, nil
}

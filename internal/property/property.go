// Package property provides observable values owned by event participants.
//
// A Property emits Changed whenever its value changes. Setting it from a
// goroutine that is not on the owner's loop runs the update on that loop,
// so handlers always observe changes in the owner's order.
package property

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/nexus/internal/event"
)

// ErrReadOnly is returned by Set on a read-only property.
var ErrReadOnly = errors.New("property is read-only")

// Option configures a Property.
type Option func(*config)

type config struct {
	readOnly bool
}

// ReadOnly makes Set fail with ErrReadOnly. The owner can still change the
// value with Update.
func ReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// Property is an observable value of type T.
type Property[T comparable] struct {
	// Changed is emitted with the new value after every change.
	Changed *event.Source[T]

	name     string
	owner    *event.Object
	readOnly bool
	setter   *event.Slot[T]

	mu    sync.RWMutex
	value T
}

// New creates a property owned by owner with the given initial value.
// owner may be nil, in which case updates always run inline.
func New[T comparable](owner *event.Object, name string, initial T, opts ...Option) *Property[T] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Property[T]{
		name:     name,
		owner:    owner,
		readOnly: cfg.readOnly,
		value:    initial,
	}
	if owner != nil {
		p.Changed = event.SourceOf[T](owner, name+".changed")
	} else {
		p.Changed = event.NewSource[T](nil, name+".changed")
	}
	p.setter = event.NewSlot(p, (*Property[T]).store)
	return p
}

// Name returns the property name.
func (p *Property[T]) Name() string {
	return p.name
}

// ReadOnly reports whether Set is disabled.
func (p *Property[T]) ReadOnly() bool {
	return p.readOnly
}

// Affinity returns the owner's affinity. It places the property's setter on
// the owner's loop.
func (p *Property[T]) Affinity() event.Affinity {
	if p.owner == nil {
		return event.Affinity{}
	}
	return p.owner.Affinity()
}

// Get returns the current value.
func (p *Property[T]) Get() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Set changes the value and emits Changed if it differs from the current
// one. Called off the owner's loop, Set blocks until the update has run on
// it. Handler failures are logged by the source and do not undo the update.
func (p *Property[T]) Set(ctx context.Context, v T) error {
	if p.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, p.name)
	}
	return p.Update(ctx, v)
}

// Update is like Set but ignores ReadOnly.
func (p *Property[T]) Update(ctx context.Context, v T) error {
	return p.setter.Call(ctx, v)
}

func (p *Property[T]) store(ctx context.Context, v T) error {
	p.mu.Lock()
	if p.value == v {
		p.mu.Unlock()
		return nil
	}
	p.value = v
	p.mu.Unlock()

	p.Changed.Emit(ctx, v)
	return nil
}

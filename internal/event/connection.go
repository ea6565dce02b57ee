package event

import (
	"context"
	"reflect"
	"sync/atomic"
	"weak"
)

// Handler is a handler for payloads of type T.
type Handler[T any] func(ctx context.Context, v T) error

// Method is a method expression, such as (*Counter).OnTick, used as a
// handler bound to a receiver of type *R.
type Method[R any, T any] func(r *R, ctx context.Context, v T) error

var connectionIDs atomic.Uint64

// receiverRef resolves the receiver and handler of a bound connection.
// ok is false once a weak receiver has been collected.
type receiverRef[T any] interface {
	resolve() (recv any, h Handler[T], ok bool)
}

type strongRef[R any, T any] struct {
	recv   *R
	method Method[R, T]
}

func (r strongRef[R, T]) resolve() (any, Handler[T], bool) {
	recv, method := r.recv, r.method
	return recv, func(ctx context.Context, v T) error { return method(recv, ctx, v) }, true
}

type weakRef[R any, T any] struct {
	ptr    weak.Pointer[R]
	method Method[R, T]
}

func (r weakRef[R, T]) resolve() (any, Handler[T], bool) {
	recv := r.ptr.Value()
	if recv == nil {
		return nil, nil, false
	}
	method := r.method
	return recv, func(ctx context.Context, v T) error { return method(recv, ctx, v) }, true
}

type strongSlotRef[T any] struct {
	slot *Slot[T]
}

func (r strongSlotRef[T]) resolve() (any, Handler[T], bool) {
	return r.slot.recv, r.slot.dispatchHandler(), true
}

type weakSlotRef[T any] struct {
	ptr weak.Pointer[Slot[T]]
}

func (r weakSlotRef[T]) resolve() (any, Handler[T], bool) {
	slot := r.ptr.Value()
	if slot == nil {
		return nil, nil, false
	}
	return slot.recv, slot.dispatchHandler(), true
}

// connection is one registered handler of a source. It is immutable after
// creation.
type connection[T any] struct {
	id        uint64
	handlerID uintptr
	fn        Handler[T]     // free function; nil when bound
	ref       receiverRef[T] // bound receiver; nil for free functions
	conv      Convention
	mode      Mode
	oneShot   bool
	weak      bool
}

// resolve returns the receiver (nil for free functions) and the handler to
// call. ok is false when the weak receiver is gone.
func (c *connection[T]) resolve() (recv any, h Handler[T], ok bool) {
	if c.ref == nil {
		return nil, c.fn, true
	}
	return c.ref.resolve()
}

// funcID returns the identity of a func value, or 0. A func value points
// to its closure record, so every closure instance has its own identity
// while plain functions and method expressions share a static one.
func funcID(fn any) uintptr {
	if fn == nil {
		return 0
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return *(*uintptr)(p.UnsafePointer())
}

// targetAffinity is the affinity of a resolved receiver, or the zero value
// when it is not a participant.
func targetAffinity(recv any) Affinity {
	if recv == nil {
		return Affinity{}
	}
	if p, ok := recv.(AffinitySource); ok {
		return p.Affinity()
	}
	return Affinity{}
}

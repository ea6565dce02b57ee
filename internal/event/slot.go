package event

import (
	"context"
	"fmt"

	"github.com/dshills/nexus/internal/loop"
)

// Slot is a handler declared on a receiver. Calling it directly from a
// goroutine that is not on the receiver's loop transparently runs it on
// that loop instead, blocking the caller until it returns.
//
// Keep the slot in a field of its receiver. A weak connection to the slot
// lives exactly as long as the slot does.
type Slot[T any] struct {
	recv   any
	fn     Handler[T]
	method uintptr
	conv   Convention
}

// NewSlot declares a blocking slot. It panics if recv or method is nil.
func NewSlot[R any, T any](recv *R, method func(*R, context.Context, T) error) *Slot[T] {
	return newSlot(recv, method, ConvBlocking)
}

// NewTaskSlot declares a suspending slot. Its body runs as a task on the
// receiver's loop.
func NewTaskSlot[R any, T any](recv *R, method func(*R, context.Context, T) error) *Slot[T] {
	return newSlot(recv, method, ConvSuspending)
}

func newSlot[R any, T any](recv *R, method func(*R, context.Context, T) error, conv Convention) *Slot[T] {
	if method == nil {
		panic(ErrNotCallable)
	}
	if recv == nil {
		panic(ErrNilReceiver)
	}
	return &Slot[T]{
		recv:   recv,
		fn:     func(ctx context.Context, v T) error { return method(recv, ctx, v) },
		method: funcID(method),
		conv:   conv,
	}
}

// Receiver returns the receiver the slot is bound to.
func (s *Slot[T]) Receiver() any {
	return s.recv
}

// Convention returns the slot's calling convention.
func (s *Slot[T]) Convention() Convention {
	return s.conv
}

// Call invokes the slot and returns its error.
//
// On the receiver's own loop, or when the receiver has no loop, the slot
// runs inline; a suspending slot then continues the caller's task. From
// anywhere else a blocking slot is posted to the receiver's loop and Call
// blocks until it returns, while a suspending slot starts as a task there
// and Call awaits it, suspending the caller's own task if it has one.
func (s *Slot[T]) Call(ctx context.Context, v T) error {
	return s.invoke(ctx, v, false)
}

// CallAsync schedules the slot on the receiver's loop and returns a future
// for its result without waiting.
func (s *Slot[T]) CallAsync(ctx context.Context, v T) *loop.Future {
	l := s.ownerLoop()
	if l == nil {
		f := loop.NewFuture()
		f.Resolve(s.invoke(ctx, v, false))
		return f
	}
	if s.conv == ConvSuspending {
		return l.Go(func(lctx context.Context) error { return s.fn(lctx, v) })
	}

	f := loop.NewFuture()
	if err := l.Post(func(lctx context.Context) {
		f.Resolve(s.fn(lctx, v))
	}); err != nil {
		f.Resolve(fmt.Errorf("%w: %w", ErrLoopNotRunning, err))
	}
	return f
}

// dispatchHandler is the handler a source calls. A source has already
// chosen where the slot runs, so the redirect is skipped.
func (s *Slot[T]) dispatchHandler() Handler[T] {
	return func(ctx context.Context, v T) error {
		return s.invoke(ctx, v, true)
	}
}

func (s *Slot[T]) invoke(ctx context.Context, v T, fromDispatch bool) error {
	if fromDispatch {
		return s.fn(ctx, v)
	}

	l := s.ownerLoop()
	if l == nil {
		if s.conv == ConvSuspending && loop.FromContext(ctx) == nil {
			return ErrNoRunningLoop
		}
		return s.fn(ctx, v)
	}

	if s.onOwnerLoop(ctx, l) {
		return s.fn(ctx, v)
	}
	if !l.Running() {
		return ErrLoopNotRunning
	}

	if s.conv == ConvSuspending {
		return loop.Await(ctx, l.Go(func(lctx context.Context) error { return s.fn(lctx, v) }))
	}
	return l.Call(ctx, func(lctx context.Context) error { return s.fn(lctx, v) })
}

func (s *Slot[T]) ownerLoop() *loop.Loop {
	return targetAffinity(s.recv).Loop
}

// onOwnerLoop reports whether ctx runs on l or on a loop with l's token.
func (s *Slot[T]) onOwnerLoop(ctx context.Context, l *loop.Loop) bool {
	cur := loop.FromContext(ctx)
	return cur != nil && (cur == l || cur.Token() == l.Token())
}

// Package event provides typed event sources with loop-affinity routing.
//
// An event source (Source) keeps an ordered list of connections. Emitting a
// value delivers it to every connection, either inline in the emitting
// goroutine or by handing it to the loop the receiving object belongs to.
//
// # Architecture
//
//	┌──────────────┐   Emit(ctx, v)    ┌──────────────────────────────┐
//	│   Source[T]  │ ────────────────▶ │ snapshot connections (lock)  │
//	│  (owner obj) │                   └──────────────┬───────────────┘
//	└──────────────┘                                  │ for each
//	                                                  ▼
//	                                   ┌──────────────────────────────┐
//	                                   │ Decide(mode, convention,     │
//	                                   │        target, owner)        │
//	                                   └───────┬──────────────┬───────┘
//	                                 immediate │              │ deferred
//	                                           ▼              ▼
//	                                ┌───────────────┐  ┌──────────────────────┐
//	                                │ run inline    │  │ loop.Post (blocking) │
//	                                │ (dispatch)    │  │ loop.Go (suspending) │
//	                                └───────────────┘  └──────────────────────┘
//
// # Affinity
//
// Every participant embeds an Object, which records the Affinity (loop and
// token) captured when the object was initialized. Two participants with
// the same token are on the same loop. Workers move objects between loops
// with MoveToThread.
//
// # Dispatch Decision
//
// Decide is a pure function:
//
//  1. ModeImmediate or ModeDeferred is used as requested.
//  2. ModeAuto with a suspending handler is deferred.
//  3. ModeAuto with a blocking handler runs inline when both affinities are
//     resolvable and equal.
//  4. ... and is deferred when they are resolvable and differ.
//  5. ... and runs inline when either is unresolvable.
//
// # Connections
//
// Handlers are free functions (Connect), methods bound to a receiver
// (ConnectMethod) or declared slots (ConnectSlot). Bound connections may
// hold their receiver weakly; a weak connection is removed once the
// receiver is collected, and is skipped by any Emit that sees it dead.
// One-shot connections are removed when first dispatched.
//
// # Usage
//
//	type Sensor struct {
//	    event.Object
//	}
//
//	func (s *Sensor) Reading() *event.Source[float64] {
//	    return event.SourceOf[float64](&s.Object, "reading")
//	}
//
//	type Display struct {
//	    event.Object
//	}
//
//	func (d *Display) Show(ctx context.Context, v float64) error { ... }
//
//	event.ConnectMethod(sensor.Reading(), display, (*Display).Show)
//	sensor.Reading().Emit(ctx, 21.5)
package event

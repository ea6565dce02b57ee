// Package dispatch executes connected handlers for event sources.
//
// A Dispatcher runs a handler in one of two ways:
//
//   - Immediate: inline, in the goroutine that emitted.
//   - Defer: handed off to a loop.Loop, either as a callback serialized on
//     the loop goroutine (Callback) or as a loop task (Task). Defer returns
//     as soon as the hand-off is accepted.
//
// # Panic Recovery
//
// Every execution goes through an Executor, which recovers panics, records
// the stack, and reports them through an optional PanicHandler. A handler
// failure is reported in its Result and never propagates to the emitter.
//
// # Usage
//
//	d := dispatch.New()
//	r := d.Immediate(ctx, payload, dispatch.HandlerFunc(fn))
//	if !r.IsSuccess() {
//	    log.Printf("handler failed: %v", r.Err())
//	}
//
//	f, err := d.Defer(workerLoop, dispatch.Task, payload, h, nil)
package dispatch

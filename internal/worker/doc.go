// Package worker provides event participants that own a loop running on a
// dedicated goroutine.
//
// A Worker moves through Created, Starting, Started, Stopping and Stopped.
// Start boots a fresh loop carrying the worker's affinity token, emits
// Started on it and runs the entry function; by default that is a FIFO
// queue processor fed by QueueTask. Stop reverses the sequence within a
// bounded join timeout.
//
// The entry function is a loop task and holds the worker loop while it
// runs. A custom one waits inside loop.Suspend, loop.Await or loop.Sleep so
// that deliveries can run in between:
//
//	w.Start(worker.WithRun(func(ctx context.Context, w *worker.Worker) error {
//	    for {
//	        if err := loop.Sleep(ctx, time.Second); err != nil {
//	            return err
//	        }
//	        poll(ctx)
//	    }
//	}))
//
// Objects moved to a started worker receive their deferred deliveries on
// the worker loop:
//
//	w := worker.New(worker.WithName("io"))
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	if err := sensor.MoveToThread(w); err != nil {
//	    return err
//	}
//
// Group starts, stops and feeds several workers at once.
package worker

// Package worker provides a small bounded task pool for fire-and-forget
// background work.
//
// Tasks are queued into a fixed-size buffer. SubmitAsync never blocks: when
// the buffer is full the task is dropped and counted, so callers must treat
// every submission as best effort. Workers are ordinary goroutines and do
// not hold the process open; Close stops the workers without running the
// tasks still queued.
//
// Example usage:
//
//	pool := worker.NewPool(1, 1000)
//	defer pool.Close()
//
//	if !pool.SubmitAsync(func(ctx context.Context) {
//	    refresh(ctx)
//	}) {
//	    // queue full, try again on the next stale read
//	}
package worker

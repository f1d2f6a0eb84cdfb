package worker

import "context"

// Task is a unit of background work. The context is cancelled when the
// pool is closed.
type Task func(ctx context.Context)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = poolError("worker pool closed")

type poolError string

func (e poolError) Error() string {
	return string(e)
}

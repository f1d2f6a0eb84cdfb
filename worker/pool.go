package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Default pool dimensions.
const (
	DefaultWorkers   = 1
	DefaultQueueSize = 1000
)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	workers   int
	queueSize int
	tasks     chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	onPanic   func(any)

	// Metrics
	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

// NewPool creates a pool with the given number of workers and queue size.
// Non-positive values fall back to DefaultWorkers and DefaultQueueSize.
func NewPool(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		workers:   workers,
		queueSize: queueSize,
		tasks:     make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Submit queues a task, blocking while the queue is full.
// It returns ErrPoolClosed once the pool has been closed, or ctx.Err() if
// ctx ends first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	}
}

// SubmitAsync queues a task without blocking.
// Returns false, and drops the task, if the queue is full or the pool is
// closed.
func (p *Pool) SubmitAsync(task Task) bool {
	if p.closed.Load() {
		p.dropped.Add(1)
		return false
	}

	select {
	case <-p.ctx.Done():
		p.dropped.Add(1)
		return false
	case p.tasks <- task:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close stops the workers and returns without waiting for them. Tasks
// still waiting in the queue are discarded; a task that is already running
// sees its context cancelled and finishes on its own.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return // Already closed
	}
	p.cancel()
}

// Wait blocks until every worker has exited after Close, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		QueueSize: p.queueSize,
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Dropped:   p.dropped.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Workers   int
	QueueSize int
	Queued    int
	Submitted uint64
	Completed uint64
	Dropped   uint64
	Panicked  uint64
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			// Prefer shutdown over a task that raced with Close.
			if p.ctx.Err() != nil {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.completed.Add(1)
	}()
	task(p.ctx)
}

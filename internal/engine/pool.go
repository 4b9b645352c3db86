package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mohaanymo/m3u8dl/internal/errs"
)

// Pool is a bounded worker pool shared by job orchestration and segment transfers.
type Pool struct {
	workers int
	log     *slog.Logger

	queue    chan func()
	stopping chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup

	// Stats
	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewPool starts workers goroutines reading from a backlog of queueSize tasks.
func NewPool(workers, queueSize int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		workers:  workers,
		log:      log,
		queue:    make(chan func(), queueSize),
		stopping: make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// worker runs tasks until the queue is closed and drained.
func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("pool task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	task()
}

// Submit queues task, blocking while the backlog is full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errs.ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	case <-p.stopping:
		return errs.ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task without blocking. It fails with errs.ErrPoolSaturated when the backlog is full.
func (p *Pool) TrySubmit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errs.ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return errs.ErrPoolSaturated
	}
}

// Stop rejects new tasks. Queued tasks still run.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		// Unblock Submit callers before taking the write lock they hold for reading.
		close(p.stopping)

		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
}

// Await blocks until every worker has exited or ctx is done. Call Stop first.
func (p *Pool) Await(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await pool: %d tasks still active: %w", p.active.Load(), ctx.Err())
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() (workers int, active, completed, queued int64) {
	return p.workers, p.active.Load(), p.completed.Load(), int64(len(p.queue))
}

// claimTask is a unit of fan-out work that runs at most once, either on a
// pool worker or on the submitting goroutine.
type claimTask struct {
	fn      func()
	claimed atomic.Bool
	done    chan struct{}
	panic   any
}

func newClaimTask(fn func()) *claimTask {
	return &claimTask{fn: fn, done: make(chan struct{})}
}

// runIfUnclaimed runs the task unless another goroutine already did.
func (t *claimTask) runIfUnclaimed() {
	if !t.claimed.CompareAndSwap(false, true) {
		return
	}
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.panic = r
		}
	}()

	t.fn()
}

package engine

import (
	"context"
	"sync"
)

// Future is the pending result of a submitted job.
type Future struct {
	job    *Job
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func newFuture(job *Job, cancel context.CancelFunc) *Future {
	return &Future{job: job, cancel: cancel, done: make(chan struct{})}
}

// Job returns the job the future belongs to.
func (f *Future) Job() *Job { return f.job }

// Done is closed once the job has finished, failed or been cancelled.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the job is over.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the job error. It is nil until the future is done.
func (f *Future) Err() error {
	if !f.IsDone() {
		return nil
	}
	return f.err
}

// Wait blocks until the job is over or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Job, error) {
	select {
	case <-f.done:
		return f.job, f.err
	case <-ctx.Done():
		return f.job, ctx.Err()
	}
}

// Cancel stops the job. Partially downloaded segment files stay on disk.
func (f *Future) Cancel() {
	f.cancel()
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		f.cancel()
		close(f.done)
	})
}

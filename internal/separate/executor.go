package separate

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Job is an independent unit of work. It must honour ctx cancellation only
// before it starts heavy work; running jobs are never preempted.
type Job func(ctx context.Context) error

// Handle tracks one submitted job.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the job has finished or been dropped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err blocks until the job is settled and returns its error. Dropped jobs
// report the cancellation that dropped them.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Executor dispatches jobs and joins them.
type Executor interface {
	// Submit schedules job. It may block while the executor is saturated.
	Submit(job Job) *Handle
	// Wait blocks until every submitted job has settled and returns the
	// first failure.
	Wait() error
}

// NewExecutor returns an ImmediateExecutor for 0 or 1 workers and a
// PooledExecutor otherwise.
func NewExecutor(ctx context.Context, workers int) Executor {
	if workers <= 1 {
		return NewImmediateExecutor(ctx)
	}
	return NewPooledExecutor(ctx, workers)
}

// ImmediateExecutor runs each job inside Submit. After the first failure,
// later jobs are dropped.
type ImmediateExecutor struct {
	ctx context.Context
	err error
}

// NewImmediateExecutor returns a synchronous executor.
func NewImmediateExecutor(ctx context.Context) *ImmediateExecutor {
	return &ImmediateExecutor{ctx: ctx}
}

func (e *ImmediateExecutor) Submit(job Job) *Handle {
	h := newHandle()
	if e.err != nil {
		h.finish(context.Canceled)
		return h
	}
	if err := e.ctx.Err(); err != nil {
		e.err = err
		h.finish(err)
		return h
	}
	err := job(e.ctx)
	if err != nil {
		e.err = err
	}
	h.finish(err)
	return h
}

func (e *ImmediateExecutor) Wait() error {
	return e.err
}

// PooledExecutor runs jobs on a bounded number of goroutines. The first
// failure cancels the pool context: jobs that have not started yet are
// dropped, running jobs finish, and Wait reports the failure marked with
// ErrPool.
type PooledExecutor struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	first   error
	dropped error
}

// NewPooledExecutor returns an executor running at most workers jobs at once.
func NewPooledExecutor(ctx context.Context, workers int) *PooledExecutor {
	ctx, cancel := context.WithCancelCause(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &PooledExecutor{group: g, ctx: gctx, cancel: cancel}
}

func (e *PooledExecutor) Submit(job Job) *Handle {
	h := newHandle()
	e.group.Go(func() error {
		if err := e.ctx.Err(); err != nil {
			e.mu.Lock()
			if e.dropped == nil {
				e.dropped = err
			}
			e.mu.Unlock()
			h.finish(err)
			return nil
		}
		err := job(e.ctx)
		if err != nil {
			e.mu.Lock()
			if e.first == nil {
				e.first = err
			}
			e.mu.Unlock()
			e.cancel(err)
		}
		h.finish(err)
		return err
	})
	return h
}

func (e *PooledExecutor) Wait() error {
	waitErr := e.group.Wait()
	e.cancel(nil)
	e.mu.Lock()
	first, dropped := e.first, e.dropped
	e.mu.Unlock()
	if first == nil {
		first = waitErr
	}
	if first == nil {
		// Jobs dropped without any failure: the caller's context ended.
		return dropped
	}
	return errors.Mark(errors.Wrap(first, "worker pool"), ErrPool)
}

// deviceLock serializes model invocations when there are fewer devices than
// workers. A nil lock is a no-op.
type deviceLock struct {
	sem *semaphore.Weighted
}

func newDeviceLock(devices, workers int) *deviceLock {
	if devices <= 0 || devices >= max(workers, 1) {
		return nil
	}
	return &deviceLock{sem: semaphore.NewWeighted(int64(devices))}
}

func (l *deviceLock) acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.sem.Acquire(ctx, 1)
}

func (l *deviceLock) release() {
	if l == nil {
		return
	}
	l.sem.Release(1)
}

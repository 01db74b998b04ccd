package journal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrAsyncClosed is returned by Exec after Close.
var ErrAsyncClosed = errors.New("async: closed")

// AsyncConfig controls an Async executor.
type AsyncConfig struct {
	// MaxPending bounds queued plus running tasks. Exec blocks beyond it.
	MaxPending int
	// Workers is the number of goroutines draining the queue. With one
	// worker tasks run in submission order.
	Workers int
	Logger  *zap.Logger
}

// setDefaults applies defaults when fields are zero.
func (c *AsyncConfig) setDefaults() {
	if c.MaxPending <= 0 {
		c.MaxPending = 2
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Async runs tasks off the caller's goroutine with a hard bound on pending
// work. The submitter blocks once the bound is reached.
type Async struct {
	cfg     AsyncConfig
	sem     *semaphore.Weighted
	tasks   chan func() error
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on tasks
	closed  bool
	pending atomic.Int64
	failed  atomic.Int64
}

// NewAsync starts the worker goroutines.
func NewAsync(cfg AsyncConfig) *Async {
	cfg.setDefaults()
	a := &Async{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxPending)),
		tasks: make(chan func() error, cfg.MaxPending),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	return a
}

func (a *Async) worker(id int) {
	defer a.wg.Done()
	for task := range a.tasks {
		if err := task(); err != nil {
			a.failed.Add(1)
			a.cfg.Logger.Warn("Async task failed", zap.Int("worker", id), zap.Error(err))
		}
		a.pending.Add(-1)
		a.sem.Release(1)
	}
}

// Exec queues task, blocking while MaxPending tasks are outstanding.
func (a *Async) Exec(ctx context.Context, task func() error) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "async: waiting for a free slot")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.sem.Release(1)
		return ErrAsyncClosed
	}
	a.pending.Add(1)
	// Never blocks: the channel holds MaxPending and we own a permit.
	a.tasks <- task
	return nil
}

// CompleteAsyncOperations waits until every submitted task has finished.
func (a *Async) CompleteAsyncOperations(ctx context.Context) error {
	max := int64(a.cfg.MaxPending)
	if err := a.sem.Acquire(ctx, max); err != nil {
		return errors.Wrap(err, "async: draining")
	}
	a.sem.Release(max)
	return nil
}

// Pending is the number of queued or running tasks.
func (a *Async) Pending() int64 { return a.pending.Load() }

// Failed counts tasks that returned an error.
func (a *Async) Failed() int64 { return a.failed.Load() }

// Close drains outstanding work and stops the workers.
func (a *Async) Close(ctx context.Context) error {
	drainErr := a.CompleteAsyncOperations(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return drainErr
	}
	a.closed = true
	close(a.tasks)
	a.mu.Unlock()

	a.wg.Wait()
	return drainErr
}

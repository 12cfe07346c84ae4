// Package worker hosts pipeline runs in the background.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"addie/internal/engine"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("dispatcher closed")

// Job executes one run. ctx is canceled when the dispatcher closes.
type Job func(ctx context.Context) (engine.RunResult, error)

// Outcome is delivered once per submission. Shared is true when the
// submission joined a job already running under the same key.
type Outcome struct {
	Result engine.RunResult
	Err    error
	Shared bool
}

// Dispatcher runs jobs on background goroutines. Submissions with the same
// key collapse into one execution and at most a fixed number of jobs run at
// once.
type Dispatcher struct {
	sem    *semaphore.Weighted
	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(maxConcurrent int, logger *zap.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// RunKey scopes a dispatcher key to a project and idempotency key.
func RunKey(projectID, idempotencyKey string) string {
	return projectID + "/" + idempotencyKey
}

// Submit schedules job under key. The returned channel is buffered and
// receives exactly one Outcome; callers may ignore it.
func (d *Dispatcher) Submit(key string, job Job) <-chan Outcome {
	out := make(chan Outcome, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		out <- Outcome{Err: ErrClosed}
		return out
	}
	d.wg.Add(1)
	d.mu.Unlock()

	ch := d.group.DoChan(key, func() (any, error) {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return engine.RunResult{}, err
		}
		defer d.sem.Release(1)
		res, err := job(d.ctx)
		if err != nil {
			d.logger.Error("background run failed", zap.String("key", key), zap.Error(err))
		} else {
			d.logger.Info("background run finished", zap.String("key", key), zap.String("status", res.Status))
		}
		return res, err
	})
	go func() {
		defer d.wg.Done()
		r := <-ch
		res, _ := r.Val.(engine.RunResult)
		out <- Outcome{Result: res, Err: r.Err, Shared: r.Shared}
	}()
	return out
}

// Close stops accepting work, cancels running jobs and waits for them until
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"addie/internal/engine"
	"addie/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitCollapsesDuplicateKeys(t *testing.T) {
	d := worker.NewDispatcher(2, nil)
	defer d.Close(context.Background())

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	job := func(ctx context.Context) (engine.RunResult, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return engine.RunResult{Status: engine.StatusCompleted, RunID: "run-1"}, nil
	}

	key := worker.RunKey("proj-1", "k1")
	first := d.Submit(key, job)
	<-started
	second := d.Submit(key, job)
	close(release)

	a, b := <-first, <-second
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	assert.Equal(t, "run-1", a.Result.RunID)
	assert.Equal(t, "run-1", b.Result.RunID)
	assert.True(t, b.Shared)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	d := worker.NewDispatcher(2, nil)
	defer d.Close(context.Background())

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	job := func(ctx context.Context) (engine.RunResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return engine.RunResult{Status: engine.StatusCompleted}, nil
	}
	var outs []<-chan worker.Outcome
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		outs = append(outs, d.Submit(worker.RunKey("proj", k), job))
	}
	for _, ch := range outs {
		o := <-ch
		require.NoError(t, o.Err)
	}
	d.Wait()
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	d := worker.NewDispatcher(1, nil)
	started := make(chan struct{})
	out := d.Submit("slow", func(ctx context.Context) (engine.RunResult, error) {
		close(started)
		<-ctx.Done()
		return engine.RunResult{}, ctx.Err()
	})
	<-started
	require.NoError(t, d.Close(context.Background()))
	o := <-out
	assert.ErrorIs(t, o.Err, context.Canceled)

	late := <-d.Submit("late", func(ctx context.Context) (engine.RunResult, error) {
		t.Fatal("job must not run after close")
		return engine.RunResult{}, nil
	})
	assert.ErrorIs(t, late.Err, worker.ErrClosed)
}

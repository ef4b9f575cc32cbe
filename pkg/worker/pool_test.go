package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspen-cloud/aspen-sdk/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func TestNewPool(t *testing.T) {
	processor := func(_ context.Context, _ testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, processor)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.ErrorIs(t, r.(error), ErrNilProcessor)
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_StartStop(t *testing.T) {
	var processedCount int64
	processor := func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	}

	pool := NewPool(2, 10, processor)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&processedCount), "Stop drains queued work")

	assert.ErrorIs(t, pool.Submit(testWork{id: 999}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second Stop is a no-op")
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, testWork) error { return nil })

	err := pool.Submit(testWork{id: 1})
	assert.True(t, err == ErrPoolNotStarted, "sentinel is returned unwrapped")
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testWork{id: 1}), ErrPoolNotStarted)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	processor := func(_ context.Context, _ testWork) error {
		<-release
		return nil
	}

	pool := NewPool(1, 2, processor)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)
	defer close(release)

	var queueFullErr error
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			queueFullErr = err
			break
		}
	}

	assert.ErrorIs(t, queueFullErr, ErrQueueFull)
	assert.Positive(t, pool.Stats().Dropped)
}

func TestPool_SubmitWaitBlocksUntilSpace(t *testing.T) {
	release := make(chan struct{})
	var processed int64
	processor := func(_ context.Context, _ testWork) error {
		<-release
		atomic.AddInt64(&processed, 1)
		return nil
	}

	pool := NewPool(1, 1, processor)
	require.NoError(t, pool.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 4; i++ {
			if err := pool.SubmitWait(context.Background(), testWork{id: i}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(4), atomic.LoadInt64(&processed))
	assert.Zero(t, pool.Stats().Dropped)
}

func TestPool_SubmitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)
	defer close(release)

	require.NoError(t, pool.Submit(testWork{id: 1}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{id: 3}), context.DeadlineExceeded)
}

func TestPool_SingleWorkerIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []int
	pool := NewPool(1, 100, func(_ context.Context, w testWork) error {
		mu.Lock()
		order = append(order, w.id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	require.Len(t, order, 50)
	for i, id := range order {
		assert.Equal(t, i, id)
	}
}

func TestPool_ProcessingErrors(t *testing.T) {
	var successCount, errorCount int64

	processor := func(_ context.Context, work testWork) error {
		if work.fail {
			atomic.AddInt64(&errorCount, 1)
			return errors.New("simulated error")
		}
		atomic.AddInt64(&successCount, 1)
		return nil
	}

	pool := NewPool(2, 10, processor)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(5), atomic.LoadInt64(&successCount))
	assert.Equal(t, int64(5), atomic.LoadInt64(&errorCount))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_PanicRecovered(t *testing.T) {
	var processed int64
	pool := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			panic("boom")
		}
		atomic.AddInt64(&processed, 1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1, fail: true}))
	require.NoError(t, pool.Submit(testWork{id: 2}))
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), atomic.LoadInt64(&processed), "worker survives a panic")
}

func TestPool_StopTimeout(t *testing.T) {
	processor := func(ctx context.Context, _ testWork) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 10, processor)
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
}

func TestPool_ContextCancellation(t *testing.T) {
	processor := func(ctx context.Context, work testWork) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(work.delay):
			return nil
		}
	}

	pool := NewPool(2, 10, processor)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, delay: 50 * time.Millisecond}))
	}

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.NoError(t, pool.Stop(5*time.Second))
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processedCount int64
	pool := NewPool(5, 100, func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	submitters := 10
	workPerSubmitter := 10

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < workPerSubmitter; j++ {
				assert.NoError(t, pool.Submit(testWork{id: submitterID*workPerSubmitter + j}))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(submitters*workPerSubmitter), atomic.LoadInt64(&processedCount))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 10, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_pool"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Stop(5*time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_pool_submitted_total"])
	assert.True(t, names["test_pool_processed_total"])
}

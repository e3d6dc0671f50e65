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
)

type testRecord struct {
	id        int
	malformed bool
}

func TestNewPoolDefaults(t *testing.T) {
	processor := func(context.Context, testRecord) error { return nil }

	pool := NewPool(0, 0, processor)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[testRecord](5, 100, nil)
	})
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, testRecord) error { return nil })
	err := pool.Submit(testRecord{id: 1})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestStartTwice(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, testRecord) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestProcessesAllSubmitted(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(4, 100, func(_ context.Context, _ testRecord) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testRecord{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(50), processed.Load())
}

// One bad record in ten must not stall the pool or lose the good ones.
func TestFailureIsolation(t *testing.T) {
	var good, bad atomic.Int64
	pool := NewPool(10, 200, func(_ context.Context, r testRecord) error {
		if r.malformed {
			bad.Add(1)
			return errors.New("malformed record")
		}
		good.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(testRecord{id: i, malformed: i%10 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(90), good.Load())
	assert.Equal(t, int64(10), bad.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.Processed)
	assert.Equal(t, int64(10), stats.Failed)
	assert.Equal(t, int64(0), stats.Rejected)
}

// Cancelling the start context must not drop queued work. Callers ack
// records upstream on Submit, so every accepted item has to be drained
// during Stop even when shutdown begins with a context cancellation.
func TestStopDrainsQueueAfterContextCancel(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 100, func(_ context.Context, _ testRecord) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testRecord{id: i}))
	}
	cancel()

	require.NoError(t, pool.Stop(10*time.Second))
	assert.Equal(t, int64(50), processed.Load())
}

// A panicking processor must cost one record, not the pool.
func TestProcessorPanicDoesNotKillPool(t *testing.T) {
	var good atomic.Int64
	pool := NewPool(1, 10, func(_ context.Context, r testRecord) error {
		if r.malformed {
			panic("malformed record")
		}
		good.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testRecord{id: i, malformed: i == 1}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(4), good.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Panicked)
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ testRecord) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First record occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(testRecord{id: 0}))
	var sawFull bool
	for i := 1; i < 10; i++ {
		if err := pool.Submit(testRecord{id: i}); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)

	close(release)
	require.NoError(t, pool.Stop(5*time.Second))
}

func TestStopTimeoutAbandonsWorkers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ testRecord) error {
		wg.Done()
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testRecord{id: 1}))
	wg.Wait() // worker is now stuck

	err := pool.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	close(block)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 10, func(context.Context, testRecord) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testRecord{}), ErrPoolStopped)
}

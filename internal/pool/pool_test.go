package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitPoolNotFound(t *testing.T) {
	m := NewManager(map[string]int{"io": 2})
	_, err := m.Submit(context.Background(), "missing", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestSubmitRunsAndTracksOutcome(t *testing.T) {
	m := NewManager(map[string]int{"io": 2})

	res, err := m.Submit(context.Background(), "io", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	_, err = m.Submit(context.Background(), "io", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Completed)
	assert.Equal(t, uint64(1), stats[0].Failed)
}

func TestSubmitBlocksUntilCapacityFrees(t *testing.T) {
	m := NewManager(map[string]int{"io": 1})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = m.Submit(context.Background(), "io", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Submit(ctx, "io", func(ctx context.Context) (any, error) { return nil, nil })
	require.Error(t, err, "second submit should block and time out while capacity=1 is held")

	close(release)
}

func TestBatchExecutorPreservesOrder(t *testing.T) {
	m := NewManager(map[string]int{"cpu": 3})

	tasks := make([]Task, 5)
	for i := 0; i < 5; i++ {
		i := i
		tasks[i] = func(ctx context.Context) (any, error) {
			return i, nil
		}
	}

	results, err := m.BatchExecutor(context.Background(), "cpu", tasks)
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, i, r)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	m := NewManager(map[string]int{"io": 2})

	var ran int32
	done := make(chan struct{})
	go func() {
		_, _ = m.Submit(context.Background(), "io", func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil, nil
		})
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	err := m.Shutdown(time.Second)
	require.NoError(t, err)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	_, err = m.Submit(context.Background(), "io", func(ctx context.Context) (any, error) { return nil, nil })
	require.Error(t, err, "submissions after shutdown should be rejected")
}

// Package pool implements ORBIT's worker pool manager (C1): a small set of
// named, bounded concurrency pools (io, cpu, inference, embedding, db) that
// every I/O-bound or CPU-bound operation in the gateway runs through,
// instead of spawning unbounded goroutines.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Pool is a single named bounded-concurrency pool. The semaphore is a
// buffered channel, the same pattern Tangerg-lynx's pkg/sync.Limiter uses,
// generalized here to also track queue depth and outcome counters for C1's
// stats() contract.
type Pool struct {
	name     string
	capacity int
	sem      chan struct{}

	active    int64
	queued    int64
	completed uint64
	failed    uint64
	rejected  uint64

	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

func newPool(name string, capacity int) *Pool {
	return &Pool{
		name:     name,
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
	}
}

// Manager owns the named pools declared in the performance.thread_pools
// section of the domain config (spec §6).
type Manager struct {
	pools map[string]*Pool
}

// NewManager builds a Manager from a name->capacity map, e.g.
// {"io": 50, "cpu": 30, "inference": 20, "embedding": 15, "db": 25}.
func NewManager(capacities map[string]int) *Manager {
	pools := make(map[string]*Pool, len(capacities))
	for name, capacity := range capacities {
		pools[name] = newPool(name, capacity)
	}
	return &Manager{pools: pools}
}

// Task is the unit of work submitted to a pool.
type Task func(ctx context.Context) (any, error)

// Submit acquires a slot in the named pool (blocking on ctx if the pool is
// saturated) and runs fn synchronously once the slot is acquired. Verbose
// logging brackets both the submit and the completion, per spec §4.1.
func (m *Manager) Submit(ctx context.Context, poolName string, fn Task) (any, error) {
	p, ok := m.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("op=pool.Submit pool=%s: %w", poolName, domain.ErrPoolNotFound)
	}

	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		atomic.AddUint64(&p.rejected, 1)
		return nil, fmt.Errorf("op=pool.Submit pool=%s: %w: shutting down", poolName, domain.ErrPoolSaturated)
	}

	atomic.AddInt64(&p.queued, 1)
	slog.DebugContext(ctx, "pool task queued", slog.String("pool", poolName))

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		atomic.AddInt64(&p.queued, -1)
		atomic.AddUint64(&p.rejected, 1)
		return nil, fmt.Errorf("op=pool.Submit pool=%s: %w", poolName, ctx.Err())
	}
	atomic.AddInt64(&p.queued, -1)
	atomic.AddInt64(&p.active, 1)
	observability.PoolUtilization.WithLabelValues(poolName).Set(float64(atomic.LoadInt64(&p.active)))
	observability.PoolQueueDepth.WithLabelValues(poolName).Set(float64(atomic.LoadInt64(&p.queued)))

	p.wg.Add(1)
	defer func() {
		atomic.AddInt64(&p.active, -1)
		<-p.sem
		p.wg.Done()
		observability.PoolUtilization.WithLabelValues(poolName).Set(float64(atomic.LoadInt64(&p.active)))
	}()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		atomic.AddUint64(&p.failed, 1)
	} else {
		atomic.AddUint64(&p.completed, 1)
	}
	observability.PoolTasksTotal.WithLabelValues(poolName, outcome).Inc()
	slog.DebugContext(ctx, "pool task completed",
		slog.String("pool", poolName),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))

	return result, err
}

// RunInPool is a typed convenience wrapper over Submit for callers that
// don't need the any/error erasure at the call site.
func RunInPool[T any](ctx context.Context, m *Manager, poolName string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := m.Submit(ctx, poolName, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// BatchExecutor runs every task in tasks through the named pool, bounded by
// the pool's own capacity via errgroup.SetLimit, preserving input order in
// the returned slice. Grounded on Tangerg-lynx's flow.Batch.runN pattern of
// order-preserving errgroup fan-out.
func (m *Manager) BatchExecutor(ctx context.Context, poolName string, tasks []Task) ([]any, error) {
	p, ok := m.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("op=pool.BatchExecutor pool=%s: %w", poolName, domain.ErrPoolNotFound)
	}

	results := make([]any, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.capacity)

	for i, task := range tasks {
		group.Go(func() error {
			res, err := m.Submit(groupCtx, poolName, task)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats returns a snapshot of every pool's utilization and outcome counters.
func (m *Manager) Stats() []domain.PoolStats {
	stats := make([]domain.PoolStats, 0, len(m.pools))
	for name, p := range m.pools {
		stats = append(stats, domain.PoolStats{
			Name:      name,
			Capacity:  p.capacity,
			Active:    int(atomic.LoadInt64(&p.active)),
			Queued:    int(atomic.LoadInt64(&p.queued)),
			Completed: atomic.LoadUint64(&p.completed),
			Failed:    atomic.LoadUint64(&p.failed),
			Rejected:  atomic.LoadUint64(&p.rejected),
		})
	}
	return stats
}

// Shutdown marks every pool as draining (rejecting new submissions) and
// waits up to timeout for in-flight tasks to finish.
func (m *Manager) Shutdown(timeout time.Duration) error {
	for _, p := range m.pools {
		p.mu.Lock()
		p.draining = true
		p.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			p.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("op=pool.Shutdown: timed out after %s waiting for in-flight tasks", timeout)
	}
}

// Package executor implements ORBIT's fault-tolerant parallel adapter
// executor (C6): runs N adapters concurrently under C2's circuit breakers,
// honoring an execution strategy, a total timeout budget, and context
// propagation, per spec §4.6.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/orbit-rag/orbit/internal/pool"
	"golang.org/x/sync/semaphore"
)

// Strategy is the completion policy for a batch of adapter invocations.
type Strategy string

const (
	StrategyAll          Strategy = "all"
	StrategyFirstSuccess Strategy = "first_success"
	StrategyBestEffort   Strategy = "best_effort"
)

// Request is one adapter invocation request within a batch.
type Request struct {
	AdapterName string
	Retriever   domain.Retriever
}

// Executor runs batches of adapter invocations under the circuit breakers
// and worker pool, per spec §4.6.
type Executor struct {
	breakers      *breaker.Manager
	pools         *pool.Manager
	poolName      string
	maxConcurrent int64
}

// New builds an Executor. poolName names the pool (see C1) that adapter
// invocation tasks run on; maxConcurrent caps simultaneously running tasks
// within a single batch, independent of the pool's own capacity.
func New(breakers *breaker.Manager, pools *pool.Manager, poolName string, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{breakers: breakers, pools: pools, poolName: poolName, maxConcurrent: int64(maxConcurrent)}
}

// Run executes reqs under strategy, returning results in request order
// (spec §4.6 "order is the request-supplied order; order is stable").
func (e *Executor) Run(ctx context.Context, reqs []Request, query string, inv domain.AdapterInvocation, strategy Strategy, totalTimeout time.Duration) []domain.AdapterResult {
	results := make([]domain.AdapterResult, len(reqs))

	batchCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(e.maxConcurrent)
	done := make(chan int, len(reqs))

	// Pre-filter adapters whose breaker is open: synthetic failures, no
	// invocation, no pool slot consumed.
	runnable := make([]int, 0, len(reqs))
	for i, req := range reqs {
		br := e.breakers.GetBreaker(req.AdapterName)
		if br.IsOpen() {
			results[i] = domain.AdapterResult{
				AdapterName: req.AdapterName,
				Success:     false,
				Error:       fmt.Errorf("adapter=%s: %w", req.AdapterName, domain.ErrCircuitOpen),
				ContextEcho: inv,
			}
			observability.RecordAdapterCall(req.AdapterName, "circuit_open", 0)
			continue
		}
		runnable = append(runnable, i)
	}

	if len(runnable) == 0 {
		return results
	}

	firstSuccess := make(chan struct{})
	var firstSuccessClosed bool
	closeFirstSuccess := func() {
		if !firstSuccessClosed {
			firstSuccessClosed = true
			close(firstSuccess)
		}
	}

	taskCtx, cancelTasks := context.WithCancel(batchCtx)
	defer cancelTasks()

	for _, idx := range runnable {
		idx := idx
		req := reqs[idx]
		go func() {
			if err := sem.Acquire(taskCtx, 1); err != nil {
				done <- idx
				results[idx] = domain.AdapterResult{
					AdapterName: req.AdapterName,
					Success:     false,
					Error:       fmt.Errorf("adapter=%s: %w", req.AdapterName, context.Cause(taskCtx)),
					ContextEcho: inv,
				}
				return
			}
			defer sem.Release(1)

			res := e.invoke(taskCtx, req, query, inv)
			results[idx] = res
			if strategy == StrategyFirstSuccess && res.Success {
				closeFirstSuccess()
			}
			done <- idx
		}()
	}

	completed := 0
	switch strategy {
	case StrategyFirstSuccess:
		for completed < len(runnable) {
			select {
			case <-done:
				completed++
				if firstSuccessClosed {
					cancelTasks()
					e.recordOutcomes(reqs, results, runnable)
					return results
				}
			case <-firstSuccess:
				cancelTasks()
			case <-batchCtx.Done():
				e.markOutstandingTimeout(reqs, results, runnable)
				e.recordOutcomes(reqs, results, runnable)
				return results
			}
		}
	case StrategyBestEffort:
		for completed < len(runnable) {
			select {
			case <-done:
				completed++
			case <-batchCtx.Done():
				cancelTasks()
				e.markOutstandingTimeout(reqs, results, runnable)
				e.recordOutcomes(reqs, results, runnable)
				return results
			}
		}
	default: // all
		for completed < len(runnable) {
			select {
			case <-done:
				completed++
			case <-batchCtx.Done():
				cancelTasks()
				e.markOutstandingTimeout(reqs, results, runnable)
				e.recordOutcomes(reqs, results, runnable)
				return results
			}
		}
	}

	e.recordOutcomes(reqs, results, runnable)
	return results
}

// markOutstandingTimeout fills in a timeout result for any runnable index
// that never got a result written (its task either never started or is
// still racing the cancellation).
func (e *Executor) markOutstandingTimeout(reqs []Request, results []domain.AdapterResult, runnable []int) {
	for _, idx := range runnable {
		if results[idx].AdapterName == "" {
			results[idx] = domain.AdapterResult{
				AdapterName: reqs[idx].AdapterName,
				Success:     false,
				Error:       fmt.Errorf("adapter=%s: %w", reqs[idx].AdapterName, domain.ErrTimeout),
				ContextEcho: domain.AdapterInvocation{},
			}
		}
	}
}

// recordOutcomes tallies each completed task's outcome against its circuit
// breaker. Tasks cancelled mid-flight under first_success are recorded as
// neither success nor failure (spec §4.6, Open Question resolved in
// DESIGN.md: cancellation is neutral).
func (e *Executor) recordOutcomes(reqs []Request, results []domain.AdapterResult, runnable []int) {
	for _, idx := range runnable {
		res := results[idx]
		br := e.breakers.GetBreaker(reqs[idx].AdapterName)
		switch {
		case res.Success:
			br.RecordSuccess()
		case errors.Is(res.Error, domain.ErrTimeout):
			br.RecordTimeout()
		case errors.Is(res.Error, context.Canceled):
			// neutral: neither success nor failure
		case res.Error != nil:
			br.RecordFailure()
		}
	}
}

// invoke runs a single adapter under the 70% execution share of its
// breaker's OpTimeout (spec §4.6; the 30% init share bounds the registry's
// lazy Initialize) and with panic isolation so one adapter can never bring
// down its siblings.
func (e *Executor) invoke(ctx context.Context, req Request, query string, inv domain.AdapterInvocation) (result domain.AdapterResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = domain.AdapterResult{
				AdapterName:   req.AdapterName,
				Success:       false,
				Error:         fmt.Errorf("adapter=%s: %w: panic: %v", req.AdapterName, domain.ErrAdapterFailure, r),
				ExecutionTime: time.Since(start).Seconds(),
				ContextEcho:   inv,
			}
			observability.RecordAdapterCall(req.AdapterName, "panic", time.Since(start).Seconds())
		}
	}()

	br := e.breakers.GetBreaker(req.AdapterName)
	opTimeout := br.OpTimeout()
	execTimeout := time.Duration(float64(opTimeout) * 0.7)
	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	run := func(c context.Context) (any, error) {
		docs, meta, err := req.Retriever.GetRelevantContext(c, query, inv)
		return struct {
			docs []domain.ContextDocument
			meta domain.RetrievalMeta
		}{docs, meta}, err
	}

	var raw any
	var err error
	if e.pools != nil {
		raw, err = e.pools.Submit(execCtx, e.poolName, func(c context.Context) (any, error) { return run(c) })
	} else {
		raw, err = run(execCtx)
	}

	elapsed := time.Since(start).Seconds()
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			observability.RecordAdapterCall(req.AdapterName, "timeout", elapsed)
			return domain.AdapterResult{
				AdapterName:   req.AdapterName,
				Success:       false,
				Error:         fmt.Errorf("adapter=%s: %w", req.AdapterName, domain.ErrTimeout),
				ExecutionTime: elapsed,
				ContextEcho:   inv,
			}
		}
		observability.RecordAdapterCall(req.AdapterName, "failure", elapsed)
		return domain.AdapterResult{
			AdapterName:   req.AdapterName,
			Success:       false,
			Error:         fmt.Errorf("adapter=%s: %w: %w", req.AdapterName, domain.ErrAdapterFailure, err),
			ExecutionTime: elapsed,
			ContextEcho:   inv,
		}
	}

	payload := raw.(struct {
		docs []domain.ContextDocument
		meta domain.RetrievalMeta
	})
	observability.RecordAdapterCall(req.AdapterName, "success", elapsed)
	return domain.AdapterResult{
		AdapterName:   req.AdapterName,
		Success:       true,
		Data:          payload.docs,
		ExecutionTime: elapsed,
		ContextEcho:   inv,
	}
}

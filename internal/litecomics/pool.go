package litecomics

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of archive reads (in-process decompression or external
// tool invocations) running at once.
type WorkerPool struct {
	sem     *semaphore.Weighted
	metrics *Metrics
}

// NewWorkerPool constructs a pool with the given number of slots (8 when size <= 0).
func NewWorkerPool(size int, metrics *Metrics) *WorkerPool {
	if size <= 0 {
		size = 8
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(int64(size)),
		metrics: metrics,
	}
}

// Do waits for a free slot and runs fn in it. Waiting honors ctx; a nil pool runs fn
// directly.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire archive worker: %w", err)
	}
	p.metrics.AddArchiveWorkersBusy(1)
	defer func() {
		p.metrics.AddArchiveWorkersBusy(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

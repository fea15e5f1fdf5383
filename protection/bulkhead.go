package protection

import (
	"context"
	"sync/atomic"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"golang.org/x/sync/semaphore"
)

// SemaphoreBulkhead admits at most MaxConcurrent executions at a time.
type SemaphoreBulkhead struct {
	cfg     BulkheadConfig
	sem     *semaphore.Weighted
	current atomic.Int32
}

func NewSemaphoreBulkhead(cfg BulkheadConfig) (*SemaphoreBulkhead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SemaphoreBulkhead{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

func (b *SemaphoreBulkhead) TryAcquire(orchestrator.OpID) bool {
	if !b.sem.TryAcquire(1) {
		return false
	}
	b.current.Add(1)
	return true
}

func (b *SemaphoreBulkhead) TryAcquireWithin(ctx context.Context, opID orchestrator.OpID, timeout time.Duration) bool {
	if timeout <= 0 {
		return b.TryAcquire(opID)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		return false
	}
	b.current.Add(1)
	return true
}

func (b *SemaphoreBulkhead) Release(orchestrator.OpID) {
	b.current.Add(-1)
	b.sem.Release(1)
}

func (b *SemaphoreBulkhead) CurrentConcurrency() int { return int(b.current.Load()) }

func (b *SemaphoreBulkhead) Config() BulkheadConfig { return b.cfg }

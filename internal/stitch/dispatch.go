package stitch

import (
	"context"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/pkg/worker"
)

// PoolDispatcher runs stitches on the general worker pool. It is used when
// no durable job queue is configured.
type PoolDispatcher struct {
	pools *worker.Pools
	run   func(ctx context.Context, t Target) error
}

// NewPoolDispatcher returns a dispatcher that calls run on the general pool.
func NewPoolDispatcher(pools *worker.Pools, run func(ctx context.Context, t Target) error) *PoolDispatcher {
	return &PoolDispatcher{pools: pools, run: run}
}

// Dispatch submits t. The task uses the service context, not ctx.
func (d *PoolDispatcher) Dispatch(_ context.Context, t Target) error {
	return d.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		if err := d.run(ctx, t); err != nil {
			logger.Warn("Stitch run failed",
				logger.BatchID(t.BatchID),
				logger.RowID(t.RowID),
				zap.Error(err),
			)
		}
	})
}

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/batch"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// DefaultReconcileInterval is how often active batches are reconciled when
// no interval is configured.
const DefaultReconcileInterval = 5 * time.Minute

// ReconcileArgs is a periodic job that resumes lanes of active batches and
// resets orphaned rows.
type ReconcileArgs struct{}

// Kind returns the job kind identifier for batch reconciliation.
func (ReconcileArgs) Kind() string { return "batch_reconcile" }

// InsertOpts keeps at most one reconcile job per minute.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// Recoverer reconciles active batches.
type Recoverer interface {
	Recover(ctx context.Context) (batch.RecoverReport, error)
}

// ReconcileWorker runs Recover.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	batches Recoverer
}

// NewReconcileWorker creates a ReconcileWorker.
func NewReconcileWorker(batches Recoverer) *ReconcileWorker {
	return &ReconcileWorker{batches: batches}
}

// Work reconciles all active batches.
func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	if w == nil || w.batches == nil {
		return fmt.Errorf("reconcile worker is not initialized")
	}
	report, err := w.batches.Recover(ctx)
	if err != nil {
		return fmt.Errorf("reconcile batches: %w", err)
	}
	if report.RowsReset > 0 || report.LanesOpened > 0 {
		logger.Info("Batch reconcile completed",
			zap.Int("batches", report.Batches),
			zap.Int("rows_reset", report.RowsReset),
			zap.Int("lanes_opened", report.LanesOpened),
		)
	}
	return nil
}

// ReconcileJob returns the periodic job registration for ReconcileArgs.
func ReconcileJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		nil,
	)
}

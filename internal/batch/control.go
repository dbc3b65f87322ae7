package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reelbatch.io/orchestrator/internal/domain"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

const (
	// cancelParallelism bounds concurrent provider Cancel calls during abort.
	cancelParallelism = 8
	cancelTimeout     = 10 * time.Second
)

// Resume admits the remaining rows of a batch paused for review.
func (s *Service) Resume(ctx context.Context, batchID, actor string) (*domain.Batch, error) {
	unlock := s.locks.Lock(batchID)
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		unlock()
		return nil, err
	}
	if b.Status != domain.BatchPausedForReview {
		unlock()
		return nil, apperrors.ErrInvalidBatchState("resume", string(b.Status))
	}
	if err := s.transition(ctx, b, domain.BatchRunning); err != nil {
		unlock()
		return nil, err
	}
	counts, err := s.counts(ctx, batchID)
	if err != nil {
		unlock()
		return nil, err
	}
	lanes := s.reserveLanes(batchID)
	unlock()

	s.emitBatch(ctx, domain.EventBatchResumed, b, counts, actor)
	s.startLanes(batchID, lanes)
	return b, nil
}

// Abort cancels a batch that has not reached a terminal state. Pending and
// in-progress rows fail with CANCELLED and their reservations are refunded;
// completed rows keep their charges. Results arriving later are discarded by
// the gate.
func (s *Service) Abort(ctx context.Context, batchID, actor string) (*domain.Batch, error) {
	unlock := s.locks.Lock(batchID)
	b, jobs, counts, err := s.abortLocked(ctx, batchID)
	unlock()
	if err != nil {
		return nil, err
	}

	logger.Info("Batch aborted",
		logger.BatchID(batchID),
		zap.String("actor", actor),
		zap.Int("cancelled_rows", counts.Failed),
		zap.Int("provider_jobs", len(jobs)),
	)
	s.emitBatch(ctx, domain.EventBatchCancelled, b, counts, actor)
	s.cancelJobs(ctx, b, jobs)
	return b, nil
}

func (s *Service) abortLocked(ctx context.Context, batchID string) (*domain.Batch, []string, domain.Counts, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, nil, domain.Counts{}, err
	}
	if b.Status.Settled() {
		return nil, nil, domain.Counts{}, apperrors.ErrInvalidBatchState("abort", string(b.Status))
	}
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, nil, domain.Counts{}, fmt.Errorf("list rows of %s: %w", batchID, err)
	}

	// Refund first: if the ledger is down nothing changes and abort can be retried.
	for _, r := range rows {
		if r.Status == domain.RowInProgress && r.ReservationID != "" {
			if err := s.ledger.Refund(ctx, r.ReservationID); err != nil {
				return nil, nil, domain.Counts{}, fmt.Errorf("refund row %s: %w", r.ID, err)
			}
			s.metrics.CreditsRefunded(r.CreditsReserved)
		}
	}

	now := s.now()
	var changed []*domain.Row
	var jobs []string
	for _, r := range rows {
		if r.Status != domain.RowPending && r.Status != domain.RowInProgress {
			continue
		}
		for _, u := range r.Units {
			if u.Status == domain.UnitInProgress && u.JobID != "" {
				jobs = append(jobs, u.JobID)
			}
		}
		r.CreditsCharged = 0
		r.Cancel("batch aborted", now)
		changed = append(changed, r)
	}
	if err := s.store.UpdateRows(ctx, changed); err != nil {
		return nil, nil, domain.Counts{}, fmt.Errorf("cancel rows of %s: %w", batchID, err)
	}
	if err := s.transition(ctx, b, domain.BatchCancelled); err != nil {
		return nil, nil, domain.Counts{}, err
	}

	s.mu.Lock()
	for _, r := range changed {
		if cancel, ok := s.inflight[r.ID]; ok {
			cancel()
		}
	}
	s.mu.Unlock()

	return b, jobs, domain.CountRows(rows), nil
}

// cancelJobs asks the provider to stop jobs of an aborted batch. Executors
// also cancel their own jobs; this covers rows whose executor is gone.
func (s *Service) cancelJobs(ctx context.Context, b *domain.Batch, jobs []string) {
	if len(jobs) == 0 {
		return
	}
	p, err := s.providers.Get(b.Config.Provider)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(cancelParallelism)
	for _, jobID := range jobs {
		g.Go(func() error {
			if err := p.Cancel(ctx, jobID); err != nil {
				logger.Debug("Provider cancel failed", logger.BatchID(b.ID), logger.JobID(jobID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RetryFailed resets every failed row of a partially failed batch to pending
// and runs the batch again. The reset is a full billing reset: each retried
// row reserves and charges afresh.
func (s *Service) RetryFailed(ctx context.Context, batchID, actor string) (*domain.Batch, int, error) {
	unlock := s.locks.Lock(batchID)
	b, retried, counts, err := s.retryLocked(ctx, batchID)
	if err != nil {
		unlock()
		return nil, 0, err
	}
	lanes := s.reserveLanes(batchID)
	unlock()

	logger.Info("Retrying failed rows", logger.BatchID(batchID), zap.Int("rows", retried), zap.String("actor", actor))
	s.emitBatch(ctx, domain.EventBatchRetried, b, counts, actor)
	s.startLanes(batchID, lanes)
	return b, retried, nil
}

func (s *Service) retryLocked(ctx context.Context, batchID string) (*domain.Batch, int, domain.Counts, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, 0, domain.Counts{}, err
	}
	if b.Status != domain.BatchPartiallyFailed && b.Status != domain.BatchCompleted {
		return nil, 0, domain.Counts{}, apperrors.ErrInvalidBatchState("retry", string(b.Status))
	}
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, 0, domain.Counts{}, fmt.Errorf("list rows of %s: %w", batchID, err)
	}

	now := s.now()
	var reset []*domain.Row
	for _, r := range rows {
		if r.Status != domain.RowFailed {
			continue
		}
		if r.ReservationID != "" {
			// Failed rows are refunded when they fail; this is a no-op then.
			if err := s.ledger.Refund(ctx, r.ReservationID); err != nil {
				return nil, 0, domain.Counts{}, fmt.Errorf("refund row %s: %w", r.ID, err)
			}
		}
		r.ResetForRetry(now)
		reset = append(reset, r)
	}
	if len(reset) == 0 {
		return nil, 0, domain.Counts{}, apperrors.Conflict(apperrors.CodeNothingToRetry, "batch has no failed rows").
			WithParam("batch_id", batchID)
	}
	if err := s.store.UpdateRows(ctx, reset); err != nil {
		return nil, 0, domain.Counts{}, fmt.Errorf("reset rows of %s: %w", batchID, err)
	}
	if err := s.transition(ctx, b, domain.BatchRunning); err != nil {
		return nil, 0, domain.Counts{}, err
	}
	return b, len(reset), domain.CountRows(rows), nil
}

func (s *Service) counts(ctx context.Context, batchID string) (domain.Counts, error) {
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return domain.Counts{}, fmt.Errorf("list rows of %s: %w", batchID, err)
	}
	return domain.CountRows(rows), nil
}

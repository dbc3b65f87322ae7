package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// RecoverReport summarizes one recovery pass.
type RecoverReport struct {
	Batches     int `json:"batches"`
	RowsReset   int `json:"rows_reset"`
	LanesOpened int `json:"lanes_opened"`
}

// Recover repairs active batches after a restart and on every reconcile tick.
// An in_progress row with no local executor that has not changed for
// OrphanAfter is orphaned: its reservation is refunded and it goes back to
// pending. Active batches then get their lanes reopened, which also settles
// batches whose admitted rows are all terminal.
func (s *Service) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport
	batches, err := s.store.ListBatchesByStatus(ctx, domain.BatchTestRunning, domain.BatchRunning)
	if err != nil {
		return report, fmt.Errorf("list active batches: %w", err)
	}

	for _, b := range batches {
		unlock := s.locks.Lock(b.ID)
		reset, err := s.recoverLocked(ctx, b.ID)
		lanes := 0
		if err == nil {
			lanes = s.reserveLanes(b.ID)
		}
		unlock()
		if err != nil {
			logger.Error("Batch recovery failed", logger.BatchID(b.ID), zap.Error(err))
			continue
		}

		report.Batches++
		report.RowsReset += reset
		report.LanesOpened += lanes
		s.startLanes(b.ID, lanes)
	}

	if report.RowsReset > 0 || report.LanesOpened > 0 {
		logger.Info("Recovered active batches",
			zap.Int("batches", report.Batches),
			zap.Int("rows_reset", report.RowsReset),
			zap.Int("lanes_opened", report.LanesOpened),
		)
	}
	return report, nil
}

func (s *Service) recoverLocked(ctx context.Context, batchID string) (int, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if !b.Status.Active() {
		return 0, nil
	}
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var orphans []*domain.Row
	for _, r := range rows {
		if r.Status != domain.RowInProgress || s.isInflight(r.ID) {
			continue
		}
		if now.Sub(r.UpdatedAt) < s.cfg.OrphanAfter {
			continue
		}
		if r.ReservationID != "" {
			if err := s.ledger.Refund(ctx, r.ReservationID); err != nil {
				return 0, fmt.Errorf("refund orphaned row %s: %w", r.ID, err)
			}
			s.metrics.CreditsRefunded(r.CreditsReserved)
		}
		logger.Warn("Resetting orphaned row", logger.BatchID(batchID), logger.RowID(r.ID))
		r.ResetForRetry(now)
		orphans = append(orphans, r)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := s.store.UpdateRows(ctx, orphans); err != nil {
		return 0, fmt.Errorf("reset orphaned rows: %w", err)
	}
	return len(orphans), nil
}

func (s *Service) isInflight(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[rowID]
	return ok
}

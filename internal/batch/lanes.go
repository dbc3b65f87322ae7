package batch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/executor"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/pkg/worker"
)

// reserveLanes books the lanes a batch may still open. Caller holds the
// batch lock; the lanes are started with startLanes after it is released.
func (s *Service) reserveLanes(batchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cfg.Concurrency - s.lanes[batchID]
	if n <= 0 {
		return 0
	}
	s.lanes[batchID] += n
	return n
}

// releaseLane returns a lane slot. Caller holds the batch lock.
func (s *Service) releaseLane(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[batchID]--
	if s.lanes[batchID] <= 0 {
		delete(s.lanes, batchID)
	}
}

// Lanes returns the number of open lanes of a batch.
func (s *Service) Lanes(batchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lanes[batchID]
}

// startLanes submits n booked lanes. Submission to the rows pool blocks while
// the pool is saturated, so it is handed to the general pool and never runs
// on the caller or under a batch lock.
func (s *Service) startLanes(batchID string, n int) {
	if n <= 0 {
		return
	}
	err := s.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		for i := 0; i < n; i++ {
			err := s.pools.SubmitDetached(worker.PoolRows, func(ctx context.Context) {
				s.lane(ctx, batchID)
			})
			if err != nil {
				logger.Error("Failed to start lane", logger.BatchID(batchID), zap.Error(err))
				s.dropLanes(batchID, n-i)
				return
			}
		}
	})
	if err != nil {
		logger.Error("Failed to schedule lanes", logger.BatchID(batchID), zap.Error(err))
		s.dropLanes(batchID, n)
	}
}

func (s *Service) dropLanes(batchID string, n int) {
	unlock := s.locks.Lock(batchID)
	defer unlock()
	for i := 0; i < n; i++ {
		s.releaseLane(batchID)
	}
}

// lane runs rows of a batch one after another until none is claimable.
func (s *Service) lane(ctx context.Context, batchID string) {
	s.metrics.LaneStarted()
	defer s.metrics.LaneStopped()

	for {
		c, ok := s.claim(ctx, batchID)
		if !ok {
			return
		}
		s.run(ctx, c)
	}
}

// claimed is a row a lane took, with the context abort cancels.
type claimed struct {
	batch  *domain.Batch
	row    *domain.Row
	ctx    context.Context
	cancel context.CancelFunc
}

// claim moves the lowest-ordinal eligible pending row to in_progress. When
// there is none it settles the batch if possible, releases the lane and
// returns false.
func (s *Service) claim(ctx context.Context, batchID string) (claimed, bool) {
	unlock := s.locks.Lock(batchID)
	defer unlock()

	b, row, err := s.claimLocked(ctx, batchID)
	if err != nil {
		logger.Error("Lane stopped", logger.BatchID(batchID), zap.Error(err))
	}
	if row == nil {
		s.releaseLane(batchID)
		return claimed{}, false
	}

	// Registered before the lock is released so recovery never sees the
	// row as orphaned.
	rctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inflight[row.ID] = cancel
	s.mu.Unlock()
	return claimed{batch: b, row: row, ctx: rctx, cancel: cancel}, true
}

func (s *Service) claimLocked(ctx context.Context, batchID string) (*domain.Batch, *domain.Row, error) {
	if ctx.Err() != nil {
		return nil, nil, nil
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if !b.Status.Active() {
		return nil, nil, nil
	}
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Row
	for _, r := range rows {
		if r.Status != domain.RowPending {
			continue
		}
		if b.Status == domain.BatchTestRunning && !b.InTestRun(r.Ordinal) {
			continue
		}
		next = r
		break
	}
	if next == nil {
		return nil, nil, s.settleLocked(ctx, b, rows)
	}

	now := s.now()
	next.Status = domain.RowInProgress
	next.Attempts++
	next.StartedAt = &now
	next.FinishedAt = nil
	next.UpdatedAt = now
	if err := s.store.UpdateRow(ctx, next); err != nil {
		return nil, nil, err
	}
	return b, next, nil
}

// run executes a claimed row and reports its outcome.
func (s *Service) run(ctx context.Context, c claimed) {
	b, row := c.batch, c.row
	defer func() {
		s.mu.Lock()
		delete(s.inflight, row.ID)
		s.mu.Unlock()
		c.cancel()
	}()

	out, err := s.runner.Execute(c.ctx, s, b, row)
	switch {
	case errors.Is(err, executor.ErrDiscarded), errors.Is(err, context.Canceled):
		return
	case err != nil:
		// The row stays in_progress and is picked up by recovery.
		logger.Error("Row execution failed", logger.BatchID(b.ID), logger.RowID(row.ID), zap.Error(err))
		return
	}

	t := domain.EventRowCompleted
	if out.Status == domain.RowFailed {
		t = domain.EventRowFailed
	}
	s.events.Emit(ctx, t, domain.AggregateRow, out.ID, ActorSystem, domain.RowPayload{
		BatchID:        b.ID,
		RowID:          out.ID,
		OwnerID:        b.OwnerID,
		Ordinal:        out.Ordinal,
		Status:         out.Status,
		ErrorKind:      out.ErrorKind,
		CreditsCharged: out.CreditsCharged,
	})
}

// settleLocked moves an active batch on once its admitted rows are done:
// a finished test run pauses for review, a finished run completes.
func (s *Service) settleLocked(ctx context.Context, b *domain.Batch, rows []*domain.Row) error {
	counts := domain.CountRows(rows)
	var to domain.BatchStatus
	var ev domain.EventType

	switch b.Status {
	case domain.BatchTestRunning:
		for _, r := range rows {
			if b.InTestRun(r.Ordinal) && !r.Status.Terminal() {
				return nil
			}
		}
		to, ev = domain.BatchPausedForReview, domain.EventBatchPausedForReview
	case domain.BatchRunning:
		if counts.Pending > 0 || counts.InProgress > 0 {
			return nil
		}
		to, ev = domain.BatchCompleted, domain.EventBatchCompleted
		if counts.Failed > 0 {
			to, ev = domain.BatchPartiallyFailed, domain.EventBatchPartiallyFailed
		}
	default:
		return nil
	}

	if err := s.transition(ctx, b, to); err != nil {
		return err
	}
	s.emitBatch(ctx, ev, b, counts, ActorSystem)
	return nil
}

// Do runs fn under the batch lock if the row may still be written.
func (s *Service) Do(ctx context.Context, row *domain.Row, fn func(ctx context.Context) error) error {
	unlock := s.locks.Lock(row.BatchID)
	defer unlock()

	b, err := s.store.GetBatch(ctx, row.BatchID)
	if err != nil {
		return err
	}
	if b.Status == domain.BatchCancelled {
		return executor.ErrDiscarded
	}
	cur, err := s.store.GetRow(ctx, row.ID)
	if err != nil {
		return err
	}
	if cur.Status != domain.RowInProgress {
		return executor.ErrDiscarded
	}
	// Stitch state is owned by the stitch coordinator.
	row.StitchStatus = cur.StitchStatus
	row.StitchedArtifact = cur.StitchedArtifact
	row.StitchError = cur.StitchError
	return fn(ctx)
}

// Package repotest holds the contract tests every repository.Store must pass.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/repository"
)

// NewBatch builds a batch with n single-unit rows for owner.
func NewBatch(id, owner string, n int, created time.Time) (*domain.Batch, []*domain.Row) {
	b := &domain.Batch{
		ID:           id,
		OwnerID:      owner,
		Name:         "batch " + id,
		Config:       domain.BaseConfig{Provider: "mock", DurationSeconds: 4, Extra: map[string]string{"style": "noir"}},
		Status:       domain.BatchDraft,
		TotalRows:    n,
		StitchStatus: domain.StitchIdle,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	rows := make([]*domain.Row, n)
	for i := range rows {
		rows[i] = domain.NewRow(fmt.Sprintf("%s-row-%d", id, i), id, i, domain.RowSpec{
			Assignment: domain.Assignment{Actor: fmt.Sprintf("actor-%d", i)},
			Units:      []domain.UnitSpec{{Prompt: "scene", DurationSeconds: 4}},
		}, created)
	}
	return b, rows
}

// Run exercises s.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and read batch", func(t *testing.T) {
		s := newStore(t)
		b, rows := NewBatch("b1", "u1", 3, base)
		require.NoError(t, s.CreateBatch(ctx, b, rows))

		got, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.OwnerID)
		assert.Equal(t, "noir", got.Config.Extra["style"])
		assert.Equal(t, domain.BatchDraft, got.Status)

		gotRows, err := s.ListRows(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, gotRows, 3)
		for i, r := range gotRows {
			assert.Equal(t, i, r.Ordinal)
			assert.Equal(t, domain.RowPending, r.Status)
			assert.Equal(t, fmt.Sprintf("actor-%d", i), r.Assignment.Actor)
			require.Len(t, r.Units, 1)
		}

		err = s.CreateBatch(ctx, b, nil)
		assert.ErrorIs(t, err, repository.ErrAlreadyExists)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetBatch(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.GetRow(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.ErrorIs(t, s.UpdateBatch(ctx, &domain.Batch{ID: "missing"}), repository.ErrNotFound)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		s := newStore(t)
		b, rows := NewBatch("b1", "u1", 1, base)
		require.NoError(t, s.CreateBatch(ctx, b, rows))

		r, err := s.GetRow(ctx, rows[0].ID)
		require.NoError(t, err)
		r.Units[0].Status = domain.UnitCompleted

		again, err := s.GetRow(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.UnitPending, again.Units[0].Status)
	})

	t.Run("update batch and rows", func(t *testing.T) {
		s := newStore(t)
		b, rows := NewBatch("b1", "u1", 2, base)
		require.NoError(t, s.CreateBatch(ctx, b, rows))

		b.Status = domain.BatchRunning
		b.StitchStatus = domain.StitchFailed
		b.StitchError = "ffmpeg exited 1"
		b.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, s.UpdateBatch(ctx, b))

		started := base.Add(2 * time.Minute)
		rows[0].Status = domain.RowInProgress
		rows[0].StartedAt = &started
		rows[0].ReservationID = "res-1"
		rows[0].CreditsReserved = 4
		rows[0].Units[0].JobID = "job-1"
		rows[1].Fail(domain.ErrKindCancelled, "batch aborted", started)
		require.NoError(t, s.UpdateRows(ctx, rows))

		got, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, domain.BatchRunning, got.Status)
		assert.Equal(t, "ffmpeg exited 1", got.StitchError)

		r0, err := s.GetRow(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RowInProgress, r0.Status)
		assert.Equal(t, "res-1", r0.ReservationID)
		assert.Equal(t, int64(4), r0.CreditsReserved)
		assert.Equal(t, "job-1", r0.Units[0].JobID)
		require.NotNil(t, r0.StartedAt)
		assert.True(t, started.Equal(*r0.StartedAt))

		r1, err := s.GetRow(ctx, rows[1].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RowFailed, r1.Status)
		assert.Equal(t, domain.ErrKindCancelled, r1.ErrorKind)

		// Clearing optional fields round-trips as empty.
		r1.ResetForRetry(base.Add(3 * time.Minute))
		require.NoError(t, s.UpdateRow(ctx, r1))
		r1, err = s.GetRow(ctx, rows[1].ID)
		require.NoError(t, err)
		assert.Empty(t, r1.ErrorKind)
		assert.Nil(t, r1.FinishedAt)
	})

	t.Run("update rows is atomic", func(t *testing.T) {
		s := newStore(t)
		b, rows := NewBatch("b1", "u1", 1, base)
		require.NoError(t, s.CreateBatch(ctx, b, rows))

		rows[0].Status = domain.RowFailed
		ghost := domain.NewRow("ghost", "b1", 9, domain.RowSpec{}, base)
		err := s.UpdateRows(ctx, []*domain.Row{rows[0], ghost})
		assert.ErrorIs(t, err, repository.ErrNotFound)

		got, err := s.GetRow(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RowPending, got.Status)
	})

	t.Run("list batches", func(t *testing.T) {
		s := newStore(t)
		for i, owner := range []string{"u1", "u2", "u1"} {
			b, rows := NewBatch(fmt.Sprintf("b%d", i), owner, 1, base.Add(time.Duration(i)*time.Hour))
			if i == 2 {
				b.Status = domain.BatchRunning
			}
			require.NoError(t, s.CreateBatch(ctx, b, rows))
		}

		mine, err := s.ListBatches(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "b2", mine[0].ID)
		assert.Equal(t, "b0", mine[1].ID)

		active, err := s.ListBatchesByStatus(ctx, domain.BatchRunning, domain.BatchTestRunning)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "b2", active[0].ID)
	})

	t.Run("audit records", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendAudit(ctx, repository.AuditRecord{
			ID: "a1", Action: "batch.launch", Actor: "u1", ResourceType: "batch", ResourceID: "b1",
			Details: map[string]any{"rows": float64(3)}, CreatedAt: base,
		}))
		require.NoError(t, s.AppendAudit(ctx, repository.AuditRecord{
			ID: "a2", Action: "batch.abort", Actor: "u1", ResourceType: "batch", ResourceID: "b1", CreatedAt: base.Add(time.Second),
		}))

		recs, err := s.ListAudit(ctx, "batch", "b1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "batch.launch", recs[0].Action)
		assert.Equal(t, float64(3), recs[0].Details["rows"])
	})

	t.Run("notifications", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.CreateNotification(ctx, repository.Notification{
				ID: fmt.Sprintf("n%d", i), UserID: "u1", Type: "BATCH_FINISHED", Title: "t", Message: "m",
				Read: i == 0, CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}))
		}

		got, err := s.ListNotifications(ctx, "u1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "n2", got[0].ID)

		removed, err := s.DeleteNotificationsBefore(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		got, err = s.ListNotifications(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

// Package postgres is the PostgreSQL Store built on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/repository"
)

// Store persists to the tables created by infrastructure.ApplySchema.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

// New creates a store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const uniqueViolation = "23505"

const batchColumns = `id, owner_id, name, config, staged, status, total_rows, test_run_size,
	stitch_status, COALESCE(stitched_artifact, ''), COALESCE(stitch_error, ''), created_at, updated_at`

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var (
		b       domain.Batch
		cfg     []byte
		status  string
		stitchS string
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &cfg, &b.Staged, &status, &b.TotalRows, &b.TestRunSize,
		&stitchS, &b.StitchedArtifact, &b.StitchError, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &b.Config); err != nil {
		return nil, fmt.Errorf("decode batch config: %w", err)
	}
	b.Status = domain.BatchStatus(status)
	b.StitchStatus = domain.StitchStatus(stitchS)
	return &b, nil
}

const rowColumns = `id, batch_id, ordinal, assignment, units, status,
	COALESCE(error_kind, ''), COALESCE(error_message, ''), COALESCE(reservation_id, ''),
	credits_reserved, credits_charged, attempts, stitch_status,
	COALESCE(stitched_artifact, ''), COALESCE(stitch_error, ''),
	started_at, finished_at, created_at, updated_at`

func scanRow(row pgx.Row) (*domain.Row, error) {
	var (
		r          domain.Row
		assignment []byte
		units      []byte
		status     string
		kind       string
		stitchS    string
	)
	err := row.Scan(&r.ID, &r.BatchID, &r.Ordinal, &assignment, &units, &status,
		&kind, &r.ErrorMessage, &r.ReservationID,
		&r.CreditsReserved, &r.CreditsCharged, &r.Attempts, &stitchS,
		&r.StitchedArtifact, &r.StitchError,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assignment, &r.Assignment); err != nil {
		return nil, fmt.Errorf("decode row assignment: %w", err)
	}
	if err := json.Unmarshal(units, &r.Units); err != nil {
		return nil, fmt.Errorf("decode row units: %w", err)
	}
	r.Status = domain.RowStatus(status)
	r.ErrorKind = domain.ErrorKind(kind)
	r.StitchStatus = domain.StitchStatus(stitchS)
	return &r, nil
}

func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch, rows []*domain.Row) error {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("encode batch config: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO batches (id, owner_id, name, config, staged, status, total_rows, test_run_size,
			                      stitch_status, stitched_artifact, stitch_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13)`,
			b.ID, b.OwnerID, b.Name, cfg, b.Staged, string(b.Status), b.TotalRows, b.TestRunSize,
			string(stitchOrIdle(b.StitchStatus)), b.StitchedArtifact, b.StitchError, b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("batch %s: %w", b.ID, repository.ErrAlreadyExists)
			}
			return fmt.Errorf("insert batch: %w", err)
		}

		batch := &pgx.Batch{}
		for _, r := range rows {
			args, err := rowArgs(r)
			if err != nil {
				return err
			}
			batch.Queue(insertRowSQL, args...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
		return nil
	})
}

const insertRowSQL = `INSERT INTO batch_rows (id, batch_id, ordinal, assignment, units, status,
	error_kind, error_message, reservation_id, credits_reserved, credits_charged, attempts,
	stitch_status, stitched_artifact, stitch_error, started_at, finished_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12,
	        $13, NULLIF($14, ''), NULLIF($15, ''), $16, $17, $18, $19)`

func rowArgs(r *domain.Row) ([]any, error) {
	assignment, err := json.Marshal(r.Assignment)
	if err != nil {
		return nil, fmt.Errorf("encode row assignment: %w", err)
	}
	units, err := json.Marshal(r.Units)
	if err != nil {
		return nil, fmt.Errorf("encode row units: %w", err)
	}
	return []any{
		r.ID, r.BatchID, r.Ordinal, assignment, units, string(r.Status),
		string(r.ErrorKind), r.ErrorMessage, r.ReservationID, r.CreditsReserved, r.CreditsCharged, r.Attempts,
		string(stitchOrIdle(r.StitchStatus)), r.StitchedArtifact, r.StitchError,
		r.StartedAt, r.FinishedAt, r.CreatedAt, r.UpdatedAt,
	}, nil
}

func stitchOrIdle(s domain.StitchStatus) domain.StitchStatus {
	if s == "" {
		return domain.StitchIdle
	}
	return s
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *domain.Batch) error {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("encode batch config: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET name = $2, config = $3, staged = $4, status = $5, total_rows = $6,
		        test_run_size = $7, stitch_status = $8, stitched_artifact = NULLIF($9, ''),
		        stitch_error = NULLIF($10, ''), updated_at = $11
		  WHERE id = $1`,
		b.ID, b.Name, cfg, b.Staged, string(b.Status), b.TotalRows, b.TestRunSize,
		string(stitchOrIdle(b.StitchStatus)), b.StitchedArtifact, b.StitchError, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, repository.ErrNotFound)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, ownerID string) ([]*domain.Batch, error) {
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, ownerID)
}

func (s *Store) ListBatchesByStatus(ctx context.Context, statuses ...domain.BatchStatus) ([]*domain.Batch, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = ANY($1) ORDER BY created_at DESC, id DESC`, names)
}

func (s *Store) queryBatches(ctx context.Context, sql string, args ...any) ([]*domain.Batch, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Batch, error) {
		return scanBatch(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan batches: %w", err)
	}
	return out, nil
}

func (s *Store) ListRows(ctx context.Context, batchID string) ([]*domain.Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rowColumns+` FROM batch_rows WHERE batch_id = $1 ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Row, error) {
		return scanRow(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetRow(ctx context.Context, id string) (*domain.Row, error) {
	r, err := scanRow(s.pool.QueryRow(ctx, `SELECT `+rowColumns+` FROM batch_rows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("row %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	return r, nil
}

const updateRowSQL = `UPDATE batch_rows SET units = $2, status = $3,
	error_kind = NULLIF($4, ''), error_message = NULLIF($5, ''), reservation_id = NULLIF($6, ''),
	credits_reserved = $7, credits_charged = $8, attempts = $9, stitch_status = $10,
	stitched_artifact = NULLIF($11, ''), stitch_error = NULLIF($12, ''),
	started_at = $13, finished_at = $14, updated_at = $15
	WHERE id = $1`

func (s *Store) UpdateRow(ctx context.Context, r *domain.Row) error {
	return s.UpdateRows(ctx, []*domain.Row{r})
}

func (s *Store) UpdateRows(ctx context.Context, rows []*domain.Row) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range rows {
			units, err := json.Marshal(r.Units)
			if err != nil {
				return fmt.Errorf("encode row units: %w", err)
			}
			tag, err := tx.Exec(ctx, updateRowSQL,
				r.ID, units, string(r.Status),
				string(r.ErrorKind), r.ErrorMessage, r.ReservationID,
				r.CreditsReserved, r.CreditsCharged, r.Attempts, string(stitchOrIdle(r.StitchStatus)),
				r.StitchedArtifact, r.StitchError,
				r.StartedAt, r.FinishedAt, r.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("update row %s: %w", r.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("row %s: %w", r.ID, repository.ErrNotFound)
			}
		}
		return nil
	})
}

func (s *Store) AppendAudit(ctx context.Context, rec repository.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, action, actor, resource_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Action, rec.Actor, rec.ResourceType, rec.ResourceID, details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, resourceType, resourceID string) ([]repository.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, actor, resource_type, resource_id, details, created_at
		   FROM audit_logs WHERE resource_type = $1 AND resource_id = $2
		  ORDER BY created_at, id`,
		resourceType, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (repository.AuditRecord, error) {
		var (
			rec     repository.AuditRecord
			details []byte
		)
		if err := row.Scan(&rec.ID, &rec.Action, &rec.Actor, &rec.ResourceType, &rec.ResourceID, &details, &rec.CreatedAt); err != nil {
			return rec, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return rec, fmt.Errorf("decode audit details: %w", err)
			}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	return out, nil
}

func (s *Store) CreateNotification(ctx context.Context, n repository.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, resource_type, resource_id, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.ResourceType, n.ResourceID, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]repository.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, title, message, COALESCE(resource_type, ''), COALESCE(resource_id, ''), read, created_at
		   FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (repository.Notification, error) {
		var n repository.Notification
		err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.ResourceType, &n.ResourceID, &n.Read, &n.CreatedAt)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE read AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

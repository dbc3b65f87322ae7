// Package memory is the in-process Store used by the memory database driver
// and by orchestration tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/repository"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	batches       map[string]*domain.Batch
	rows          map[string]*domain.Row
	rowsByBatch   map[string][]string
	audit         []repository.AuditRecord
	notifications []repository.Notification
}

var _ repository.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		batches:     make(map[string]*domain.Batch),
		rows:        make(map[string]*domain.Row),
		rowsByBatch: make(map[string][]string),
	}
}

func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch, rows []*domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("batch %s: %w", b.ID, repository.ErrAlreadyExists)
	}
	s.batches[b.ID] = b.Clone()
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		s.rows[r.ID] = r.Clone()
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return s.rows[ids[i]].Ordinal < s.rows[ids[j]].Ordinal })
	s.rowsByBatch[b.ID] = ids
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, repository.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, repository.ErrNotFound)
	}
	s.batches[b.ID] = b.Clone()
	return nil
}

func (s *Store) ListBatches(ctx context.Context, ownerID string) ([]*domain.Batch, error) {
	return s.listBatches(ctx, func(b *domain.Batch) bool { return b.OwnerID == ownerID })
}

func (s *Store) ListBatchesByStatus(ctx context.Context, statuses ...domain.BatchStatus) ([]*domain.Batch, error) {
	want := make(map[domain.BatchStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.listBatches(ctx, func(b *domain.Batch) bool { return want[b.Status] })
}

func (s *Store) listBatches(ctx context.Context, match func(*domain.Batch) bool) ([]*domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Batch, 0)
	for _, b := range s.batches {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListRows(ctx context.Context, batchID string) ([]*domain.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rowsByBatch[batchID]
	out := make([]*domain.Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[id].Clone())
	}
	return out, nil
}

func (s *Store) GetRow(ctx context.Context, id string) (*domain.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("row %s: %w", id, repository.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) UpdateRow(ctx context.Context, r *domain.Row) error {
	return s.UpdateRows(ctx, []*domain.Row{r})
}

func (s *Store) UpdateRows(ctx context.Context, rows []*domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if _, ok := s.rows[r.ID]; !ok {
			return fmt.Errorf("row %s: %w", r.ID, repository.ErrNotFound)
		}
	}
	for _, r := range rows {
		s.rows[r.ID] = r.Clone()
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, rec repository.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, resourceType, resourceID string) ([]repository.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.AuditRecord, 0)
	for _, rec := range s.audit {
		if rec.ResourceType == resourceType && rec.ResourceID == resourceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) CreateNotification(ctx context.Context, n repository.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]repository.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID != userID {
			continue
		}
		out = append(out, s.notifications[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.notifications[:0]
	var removed int64
	for _, n := range s.notifications {
		if n.Read && n.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	return removed, nil
}

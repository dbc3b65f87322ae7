// Package repository defines persistence for batches, rows, audit records
// and notifications. Implementations live in the memory and postgres
// subpackages and share the contract tests in repotest.
//
// Stores return copies: mutating a returned value never changes stored
// state until it is written back.
package repository

import (
	"context"
	"time"

	"reelbatch.io/orchestrator/internal/domain"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
)

// Sentinel errors returned by stores.
var (
	ErrNotFound      = apperrors.ErrNotFound
	ErrAlreadyExists = apperrors.ErrAlreadyExists
)

// BatchStore persists batches and their rows.
type BatchStore interface {
	// CreateBatch stores a batch and all of its rows atomically.
	CreateBatch(ctx context.Context, b *domain.Batch, rows []*domain.Row) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, b *domain.Batch) error
	// ListBatches returns the owner's batches, newest first.
	ListBatches(ctx context.Context, ownerID string) ([]*domain.Batch, error)
	ListBatchesByStatus(ctx context.Context, statuses ...domain.BatchStatus) ([]*domain.Batch, error)

	// ListRows returns the batch's rows in ordinal order.
	ListRows(ctx context.Context, batchID string) ([]*domain.Row, error)
	GetRow(ctx context.Context, id string) (*domain.Row, error)
	UpdateRow(ctx context.Context, r *domain.Row) error
	// UpdateRows writes several rows atomically.
	UpdateRows(ctx context.Context, rows []*domain.Row) error
}

// AuditRecord is an append-only record of an operator action.
type AuditRecord struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	Actor        string         `json:"actor"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditStore persists audit records. There is no delete.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	// ListAudit returns records for a resource, oldest first.
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]AuditRecord, error)
}

// Notification is an inbox entry for a user.
type Notification struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error
	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	// DeleteNotificationsBefore removes read notifications older than cutoff
	// and returns how many were removed.
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	BatchStore
	AuditStore
	NotificationStore
}

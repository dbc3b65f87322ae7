// Package notification writes owner notifications for batch lifecycle events.
//
// Notifications are in-app inbox records written synchronously by the event
// handlers registered in Triggers. Delivery is best-effort: a failed write is
// logged and never fails the operation that emitted the event.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/repository"
)

// Notification types.
const (
	TypeReviewReady    = "BATCH_REVIEW_READY"
	TypeBatchFinished  = "BATCH_FINISHED"
	TypeBatchCancelled = "BATCH_CANCELLED"
	TypeStitchFinished = "STITCH_FINISHED"
	TypeCreditsGranted = "CREDITS_GRANTED"
)

var knownTypes = map[string]bool{
	TypeReviewReady:    true,
	TypeBatchFinished:  true,
	TypeBatchCancelled: true,
	TypeStitchFinished: true,
	TypeCreditsGranted: true,
}

// Params holds the required fields for creating a notification.
type Params struct {
	RecipientID  string
	Type         string
	Title        string
	Message      string
	ResourceType string // "batch" or "row"
	ResourceID   string
}

// Sender sends notifications.
type Sender interface {
	Send(ctx context.Context, params Params) error
}

// InboxSender stores notifications in the repository.
type InboxSender struct {
	store repository.NotificationStore
	now   func() time.Time
}

var _ Sender = (*InboxSender)(nil)

// NewInboxSender creates a new inbox sender.
func NewInboxSender(store repository.NotificationStore) *InboxSender {
	return &InboxSender{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Send stores a single notification.
func (s *InboxSender) Send(ctx context.Context, params Params) error {
	if err := validateParams(params); err != nil {
		return fmt.Errorf("notification params invalid: %w", err)
	}

	err := s.store.CreateNotification(ctx, repository.Notification{
		ID:           uuid.NewString(),
		UserID:       params.RecipientID,
		Type:         params.Type,
		Title:        params.Title,
		Message:      params.Message,
		ResourceType: params.ResourceType,
		ResourceID:   params.ResourceID,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("create notification for user %s: %w", params.RecipientID, err)
	}

	logger.Debug("notification sent",
		zap.String("recipient", params.RecipientID),
		zap.String("type", params.Type),
		zap.String("title", params.Title),
	)
	return nil
}

func validateParams(p Params) error {
	if p.RecipientID == "" {
		return fmt.Errorf("recipient_id is required")
	}
	if !knownTypes[p.Type] {
		return fmt.Errorf("unknown notification type: %s", p.Type)
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

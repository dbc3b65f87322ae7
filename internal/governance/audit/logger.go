// Package audit records operator actions.
//
// Audit logs are append-only records. Nothing in the orchestrator updates or
// deletes them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/repository"
)

// Logger writes audit records to the store.
type Logger struct {
	store repository.AuditStore
	now   func() time.Time
}

// NewLogger creates a new audit Logger.
func NewLogger(store repository.AuditStore) *Logger {
	return &Logger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]any) error {
	err := l.store.AppendAudit(ctx, repository.AuditRecord{
		ID:           generateAuditID(),
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    l.now(),
	})
	if err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// auditedEvents maps operator-driven events to audit actions. Settlement
// events (completed, partially failed, paused) are system transitions and
// are not audited.
var auditedEvents = map[domain.EventType]string{
	domain.EventBatchLaunched:   "batch.launch",
	domain.EventBatchResumed:    "batch.resume",
	domain.EventBatchCancelled:  "batch.abort",
	domain.EventBatchRetried:    "batch.retry",
	domain.EventStitchRequested: "stitch.request",
	domain.EventStitchCompleted: "stitch.complete",
	domain.EventStitchFailed:    "stitch.fail",
	domain.EventCreditsGranted:  "credits.grant",
}

// Register subscribes the logger to the audited events of d.
func (l *Logger) Register(d *domain.EventDispatcher) {
	for t := range auditedEvents {
		d.Register(t, l.HandleEvent)
	}
}

// HandleEvent records ev if it is an audited operator action.
func (l *Logger) HandleEvent(ctx context.Context, ev *domain.DomainEvent) error {
	action, ok := auditedEvents[ev.EventType]
	if !ok {
		return nil
	}
	var details map[string]any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &details); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.EventType, err)
		}
	}
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["event_id"] = ev.EventID
	return l.LogAction(ctx, action, ev.AggregateType, ev.AggregateID, ev.CreatedBy, details)
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}

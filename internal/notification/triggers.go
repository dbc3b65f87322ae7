package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// Triggers turns domain events into owner notifications:
//  1. BATCH_REVIEW_READY when a staged batch finishes its test run
//  2. BATCH_FINISHED when a batch completes or partially fails
//  3. BATCH_CANCELLED when a batch is aborted
//  4. STITCH_FINISHED when a stitch completes or fails
//  5. CREDITS_GRANTED when an operator adjusts a balance
type Triggers struct {
	sender Sender
}

// NewTriggers creates a new notification trigger service.
func NewTriggers(sender Sender) *Triggers {
	return &Triggers{sender: sender}
}

// Register subscribes the triggers to d.
func (t *Triggers) Register(d *domain.EventDispatcher) {
	d.Register(domain.EventBatchPausedForReview, t.onBatchEvent)
	d.Register(domain.EventBatchCompleted, t.onBatchEvent)
	d.Register(domain.EventBatchPartiallyFailed, t.onBatchEvent)
	d.Register(domain.EventBatchCancelled, t.onBatchEvent)
	d.Register(domain.EventStitchCompleted, t.onStitchEvent)
	d.Register(domain.EventStitchFailed, t.onStitchEvent)
	d.Register(domain.EventCreditsGranted, t.onCreditsGranted)
}

func (t *Triggers) onBatchEvent(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.BatchPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode batch payload: %w", err)
	}

	params := Params{
		RecipientID:  p.OwnerID,
		ResourceType: "batch",
		ResourceID:   p.BatchID,
	}
	switch ev.EventType {
	case domain.EventBatchPausedForReview:
		params.Type = TypeReviewReady
		params.Title = fmt.Sprintf("Batch %s is ready for review", p.Name)
		params.Message = fmt.Sprintf("The test run finished: %d completed, %d failed. Resume the batch to render the remaining %d rows.",
			p.Counts.Completed, p.Counts.Failed, p.Counts.Pending)
	case domain.EventBatchCompleted, domain.EventBatchPartiallyFailed:
		params.Type = TypeBatchFinished
		params.Title = fmt.Sprintf("Batch %s finished", p.Name)
		params.Message = fmt.Sprintf("%d of %d rows completed, %d failed.",
			p.Counts.Completed, p.Counts.Total, p.Counts.Failed)
	case domain.EventBatchCancelled:
		params.Type = TypeBatchCancelled
		params.Title = fmt.Sprintf("Batch %s was cancelled", p.Name)
		params.Message = fmt.Sprintf("Cancelled by %s. %d rows had completed; unfinished rows were refunded.",
			p.Actor, p.Counts.Completed)
	}
	return t.send(ctx, params)
}

func (t *Triggers) onStitchEvent(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.StitchPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode stitch payload: %w", err)
	}

	params := Params{
		RecipientID:  p.OwnerID,
		Type:         TypeStitchFinished,
		ResourceType: "batch",
		ResourceID:   p.BatchID,
	}
	target := "batch " + p.BatchID
	if p.RowID != "" {
		params.ResourceType = "row"
		params.ResourceID = p.RowID
		target = "row " + p.RowID
	}
	if ev.EventType == domain.EventStitchFailed {
		params.Title = "Stitch failed for " + target
		params.Message = p.Error
		if params.Message == "" {
			params.Message = "composition failed"
		}
	} else {
		params.Title = "Stitch ready for " + target
		params.Message = fmt.Sprintf("%d segments stitched into %s", p.Inputs, p.Artifact)
	}
	return t.send(ctx, params)
}

func (t *Triggers) onCreditsGranted(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.CreditsPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode credits payload: %w", err)
	}
	msg := fmt.Sprintf("%s adjusted your balance by %d credits. Available: %d.", p.Actor, p.Amount, p.Available)
	if p.Reason != "" {
		msg += " Reason: " + p.Reason
	}
	return t.send(ctx, Params{
		RecipientID:  p.UserID,
		Type:         TypeCreditsGranted,
		Title:        "Credits granted",
		Message:      msg,
		ResourceType: "account",
		ResourceID:   p.UserID,
	})
}

func (t *Triggers) send(ctx context.Context, params Params) error {
	if err := t.sender.Send(ctx, params); err != nil {
		logger.Error("failed to send notification",
			zap.String("type", params.Type),
			zap.String("recipient", params.RecipientID),
			zap.String("resource_id", params.ResourceID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

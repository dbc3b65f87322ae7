package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Batch lifecycle
	EventBatchCreated         EventType = "BATCH_CREATED"
	EventBatchLaunched        EventType = "BATCH_LAUNCHED"
	EventBatchPausedForReview EventType = "BATCH_PAUSED_FOR_REVIEW"
	EventBatchResumed         EventType = "BATCH_RESUMED"
	EventBatchCompleted       EventType = "BATCH_COMPLETED"
	EventBatchPartiallyFailed EventType = "BATCH_PARTIALLY_FAILED"
	EventBatchCancelled       EventType = "BATCH_CANCELLED"
	EventBatchRetried         EventType = "BATCH_RETRIED"

	// Rows
	EventRowCompleted EventType = "ROW_COMPLETED"
	EventRowFailed    EventType = "ROW_FAILED"

	// Stitching
	EventStitchRequested EventType = "STITCH_REQUESTED"
	EventStitchCompleted EventType = "STITCH_COMPLETED"
	EventStitchFailed    EventType = "STITCH_FAILED"

	// Credits
	EventCreditsGranted EventType = "CREDITS_GRANTED"
)

// Aggregate types carried on events.
const (
	AggregateBatch   = "batch"
	AggregateRow     = "row"
	AggregateAccount = "account"
)

// DomainEvent is an immutable notification that something happened.
// Payloads are claim-checks: enough to locate the aggregate, not a copy of it.
type DomainEvent struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payload is implemented by every event payload.
type Payload interface {
	ToJSON() ([]byte, error)
}

// NewEvent builds an event with a fresh ID.
func NewEvent(t EventType, aggregateType, aggregateID, actor string, p Payload) (*DomainEvent, error) {
	var data []byte
	if p != nil {
		var err error
		if data, err = p.ToJSON(); err != nil {
			return nil, err
		}
	}
	return &DomainEvent{
		EventID:       uuid.NewString(),
		EventType:     t,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
		CreatedBy:     actor,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// BatchPayload is the payload for batch lifecycle events.
type BatchPayload struct {
	BatchID string      `json:"batch_id"`
	OwnerID string      `json:"owner_id"`
	Name    string      `json:"name,omitempty"`
	Status  BatchStatus `json:"status"`
	Counts  Counts      `json:"counts"`
	Actor   string      `json:"actor,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p BatchPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// RowPayload is the payload for row terminal events.
type RowPayload struct {
	BatchID        string    `json:"batch_id"`
	RowID          string    `json:"row_id"`
	OwnerID        string    `json:"owner_id"`
	Ordinal        int       `json:"ordinal"`
	Status         RowStatus `json:"status"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	CreditsCharged int64     `json:"credits_charged"`
}

// ToJSON converts payload to JSON bytes.
func (p RowPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StitchPayload is the payload for stitch outcome events.
type StitchPayload struct {
	BatchID  string `json:"batch_id"`
	RowID    string `json:"row_id,omitempty"`
	OwnerID  string `json:"owner_id"`
	Artifact string `json:"artifact,omitempty"`
	Inputs   int    `json:"inputs"`
	Error    string `json:"error,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p StitchPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// CreditsPayload is the payload for credit grants.
type CreditsPayload struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Available int64  `json:"available"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p CreditsPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

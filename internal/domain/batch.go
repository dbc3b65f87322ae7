// Package domain holds the orchestrator's entities, their status enums and
// the transition tables every state change is checked against.
package domain

import (
	"time"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchDraft           BatchStatus = "draft"
	BatchTestRunning     BatchStatus = "test_running"
	BatchPausedForReview BatchStatus = "paused_for_review"
	BatchRunning         BatchStatus = "running"
	BatchCompleted       BatchStatus = "completed"
	BatchPartiallyFailed BatchStatus = "partially_failed"
	BatchCancelled       BatchStatus = "cancelled"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:           {BatchTestRunning, BatchRunning, BatchCancelled},
	BatchTestRunning:     {BatchPausedForReview, BatchCancelled},
	BatchPausedForReview: {BatchRunning, BatchCancelled},
	BatchRunning:         {BatchCompleted, BatchPartiallyFailed, BatchCancelled},
	// Retry of failed rows re-opens a settled batch.
	BatchCompleted:       {BatchRunning},
	BatchPartiallyFailed: {BatchRunning},
	BatchCancelled:       nil,
}

// CanTransitionBatch reports whether from -> to is a legal batch transition.
func CanTransitionBatch(from, to BatchStatus) bool {
	for _, s := range batchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settled reports whether no row of the batch can make progress without an
// explicit caller action.
func (s BatchStatus) Settled() bool {
	switch s {
	case BatchCompleted, BatchPartiallyFailed, BatchCancelled:
		return true
	}
	return false
}

// Active reports whether rows of the batch may be admitted.
func (s BatchStatus) Active() bool {
	return s == BatchTestRunning || s == BatchRunning
}

func (s BatchStatus) Valid() bool {
	_, ok := batchTransitions[s]
	return ok
}

// StitchStatus is the state of a stitch target (batch or row).
type StitchStatus string

const (
	StitchIdle      StitchStatus = "idle"
	StitchStitching StitchStatus = "stitching"
	StitchCompleted StitchStatus = "completed"
	StitchFailed    StitchStatus = "failed"
)

var stitchTransitions = map[StitchStatus][]StitchStatus{
	StitchIdle:      {StitchStitching},
	StitchStitching: {StitchCompleted, StitchFailed},
	StitchFailed:    {StitchIdle},
	// Forced re-stitch.
	StitchCompleted: {StitchStitching},
}

// CanTransitionStitch reports whether from -> to is a legal stitch transition.
func CanTransitionStitch(from, to StitchStatus) bool {
	if from == "" {
		from = StitchIdle
	}
	for _, s := range stitchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BaseConfig is shared by every row of a batch and immutable after launch.
type BaseConfig struct {
	Provider        string            `json:"provider"`
	Model           string            `json:"model,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Batch is a user-submitted collection of rows sharing a BaseConfig.
type Batch struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Name      string      `json:"name"`
	Config    BaseConfig  `json:"config"`
	Staged    bool        `json:"staged"`
	Status    BatchStatus `json:"status"`
	TotalRows int         `json:"total_rows"`

	// TestRunSize is the initial subset size fixed at launch. Rows with
	// Ordinal < TestRunSize form the test run.
	TestRunSize int `json:"test_run_size"`

	StitchStatus     StitchStatus `json:"stitch_status"`
	StitchedArtifact string       `json:"stitched_artifact,omitempty"`
	StitchError      string       `json:"stitch_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InTestRun reports whether the row at ordinal belongs to the test subset.
func (b *Batch) InTestRun(ordinal int) bool {
	return ordinal < b.TestRunSize
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	if b.Config.Extra != nil {
		out.Config.Extra = make(map[string]string, len(b.Config.Extra))
		for k, v := range b.Config.Extra {
			out.Config.Extra[k] = v
		}
	}
	return &out
}

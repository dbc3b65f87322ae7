package domain

import (
	"time"
)

// RowStatus is the lifecycle state of a row.
type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowInProgress RowStatus = "in_progress"
	RowCompleted  RowStatus = "completed"
	RowFailed     RowStatus = "failed"
)

var rowTransitions = map[RowStatus][]RowStatus{
	// pending -> failed happens when an abort cancels a row never admitted.
	RowPending:    {RowInProgress, RowFailed},
	RowInProgress: {RowCompleted, RowFailed, RowPending},
	RowCompleted:  nil,
	RowFailed:     {RowPending},
}

// CanTransitionRow reports whether from -> to is a legal row transition.
// The backward edges (failed -> pending, in_progress -> pending) are used
// only by retry and orphan recovery.
func CanTransitionRow(from, to RowStatus) bool {
	for _, s := range rowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RowStatus) Terminal() bool {
	return s == RowCompleted || s == RowFailed
}

// UnitStatus mirrors RowStatus at unit granularity.
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitInProgress UnitStatus = "in_progress"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
)

// Assignment identifies who or what a row renders (actor, voice, title).
type Assignment struct {
	Actor string `json:"actor,omitempty"`
	Voice string `json:"voice,omitempty"`
	Title string `json:"title,omitempty"`
}

// UnitSpec is the caller-supplied description of one unit (scene).
type UnitSpec struct {
	Prompt          string  `json:"prompt"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ImageRef        string  `json:"image_ref,omitempty"`
}

// RowSpec is the caller-supplied payload of one row.
type RowSpec struct {
	Assignment
	Units []UnitSpec `json:"units"`
}

// Unit is one independently rendered piece of a row.
type Unit struct {
	UnitSpec
	Ordinal         int        `json:"ordinal"`
	Status          UnitStatus `json:"status"`
	JobID           string     `json:"job_id,omitempty"`
	OutputRef       string     `json:"output_ref,omitempty"`
	RenderedSeconds float64    `json:"rendered_seconds,omitempty"`
	Attempts        int        `json:"attempts"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Row is one generation task within a batch.
type Row struct {
	ID         string     `json:"id"`
	BatchID    string     `json:"batch_id"`
	Ordinal    int        `json:"ordinal"`
	Assignment Assignment `json:"assignment"`
	Units      []Unit     `json:"units"`
	Status     RowStatus  `json:"status"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ReservationID   string `json:"reservation_id,omitempty"`
	CreditsReserved int64  `json:"credits_reserved"`
	CreditsCharged  int64  `json:"credits_charged"`
	Attempts        int    `json:"attempts"`

	StitchStatus     StitchStatus `json:"stitch_status"`
	StitchedArtifact string       `json:"stitched_artifact,omitempty"`
	StitchError      string       `json:"stitch_error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewRow builds a pending row from its spec.
func NewRow(id, batchID string, ordinal int, spec RowSpec, now time.Time) *Row {
	units := make([]Unit, len(spec.Units))
	for i, u := range spec.Units {
		units[i] = Unit{UnitSpec: u, Ordinal: i, Status: UnitPending}
	}
	return &Row{
		ID:           id,
		BatchID:      batchID,
		Ordinal:      ordinal,
		Assignment:   spec.Assignment,
		Units:        units,
		Status:       RowPending,
		StitchStatus: StitchIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	out := *r
	out.Units = append([]Unit(nil), r.Units...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// ResetForRetry returns the row to pending with billing and unit progress
// cleared. Prior reservations must already be settled.
func (r *Row) ResetForRetry(now time.Time) {
	r.Status = RowPending
	r.ErrorKind = ErrKindNone
	r.ErrorMessage = ""
	r.ReservationID = ""
	r.CreditsReserved = 0
	r.CreditsCharged = 0
	r.StartedAt = nil
	r.FinishedAt = nil
	r.StitchStatus = StitchIdle
	r.StitchedArtifact = ""
	r.StitchError = ""
	for i := range r.Units {
		u := &r.Units[i]
		u.Status = UnitPending
		u.JobID = ""
		u.OutputRef = ""
		u.RenderedSeconds = 0
		u.Attempts = 0
		u.ErrorKind = ErrKindNone
		u.ErrorMessage = ""
	}
	r.UpdatedAt = now
}

// Fail marks the row failed with a classified reason.
func (r *Row) Fail(kind ErrorKind, msg string, now time.Time) {
	r.Status = RowFailed
	r.ErrorKind = kind
	r.ErrorMessage = msg
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// Cancel fails the row and every unit that has not finished.
func (r *Row) Cancel(msg string, now time.Time) {
	for i := range r.Units {
		u := &r.Units[i]
		if u.Status != UnitPending && u.Status != UnitInProgress {
			continue
		}
		u.Status = UnitFailed
		u.ErrorKind = ErrKindCancelled
		u.ErrorMessage = msg
	}
	r.Fail(ErrKindCancelled, msg, now)
}

// CompletedUnits returns the completed units in ordinal order.
func (r *Row) CompletedUnits() []Unit {
	out := make([]Unit, 0, len(r.Units))
	for _, u := range r.Units {
		if u.Status == UnitCompleted {
			out = append(out, u)
		}
	}
	return out
}

// Counts is the aggregate progress of a batch. It is always computed from
// rows, never stored.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// CountRows recomputes aggregate counts.
func CountRows(rows []*Row) Counts {
	c := Counts{Total: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case RowPending:
			c.Pending++
		case RowInProgress:
			c.InProgress++
		case RowCompleted:
			c.Completed++
		case RowFailed:
			c.Failed++
		}
	}
	return c
}

// Balanced reports whether the four buckets add up to Total.
func (c Counts) Balanced() bool {
	return c.Pending+c.InProgress+c.Completed+c.Failed == c.Total
}

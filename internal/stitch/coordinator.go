// Package stitch combines completed outputs into one artifact per row or
// per batch.
//
// A stitch request is validated and moved to stitching synchronously under
// the batch lock; composition then runs asynchronously through a Dispatcher.
// A failed composition returns the target to idle with the error recorded,
// so it can be requested again.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/metrics"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/keylock"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/storage"
	"reelbatch.io/orchestrator/internal/tracing"
)

// MinInputs is the fewest inputs a stitch accepts.
const MinInputs = 2

// Scopes.
const (
	ScopeBatch = "batch"
	ScopeRow   = "row"
)

// Target identifies what to stitch. RowID is empty for a batch stitch.
type Target struct {
	BatchID string `json:"batch_id"`
	RowID   string `json:"row_id,omitempty"`
	Actor   string `json:"actor"`
}

// Scope returns ScopeRow or ScopeBatch.
func (t Target) Scope() string {
	if t.RowID != "" {
		return ScopeRow
	}
	return ScopeBatch
}

// Dispatcher schedules Coordinator.Run for an accepted target.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Target) error
}

// Accepted is returned for a stitch that was started.
type Accepted struct {
	Target
	Status domain.StitchStatus `json:"status"`
	Inputs int                 `json:"inputs"`
}

// Coordinator validates, dispatches and runs stitches.
type Coordinator struct {
	store     repository.BatchStore
	locks     *keylock.Map
	composer  Composer
	artifacts storage.Store
	dispatch  Dispatcher
	events    *domain.EventDispatcher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Store     repository.BatchStore
	Locks     *keylock.Map
	Composer  Composer
	Artifacts storage.Store
	Events    *domain.EventDispatcher
	Metrics   *metrics.Metrics
}

// NewCoordinator creates a Coordinator. SetDispatcher must be called before
// the first stitch request.
func NewCoordinator(deps Deps) *Coordinator {
	locks := deps.Locks
	if locks == nil {
		locks = &keylock.Map{}
	}
	composer := deps.Composer
	if composer == nil {
		composer = ManifestComposer{}
	}
	return &Coordinator{
		store:     deps.Store,
		locks:     locks,
		composer:  composer,
		artifacts: deps.Artifacts,
		events:    deps.Events,
		metrics:   deps.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher sets how accepted stitches are run.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatch = d
}

// StitchBatch stitches the batch's completed rows in ordinal order.
func (c *Coordinator) StitchBatch(ctx context.Context, batchID string, force bool, actor string) (*Accepted, error) {
	return c.request(ctx, Target{BatchID: batchID, Actor: actor}, force)
}

// StitchRow stitches the row's completed units in ordinal order.
func (c *Coordinator) StitchRow(ctx context.Context, rowID string, force bool, actor string) (*Accepted, error) {
	row, err := c.store.GetRow(ctx, rowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrRowNotFound(rowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get row %s: %w", rowID, err)
	}
	return c.request(ctx, Target{BatchID: row.BatchID, RowID: rowID, Actor: actor}, force)
}

// state is the loaded stitch target. Exactly one of row and batch-level
// fields applies, depending on the target scope.
type state struct {
	batch    *domain.Batch
	row      *domain.Row
	rows     []*domain.Row
	segments []Segment
	inputs   int
}

func (s *state) status() domain.StitchStatus {
	if s.row != nil {
		return s.row.StitchStatus
	}
	return s.batch.StitchStatus
}

func (s *state) artifact() string {
	if s.row != nil {
		return s.row.StitchedArtifact
	}
	return s.batch.StitchedArtifact
}

func (c *Coordinator) request(ctx context.Context, t Target, force bool) (*Accepted, error) {
	if c.dispatch == nil {
		return nil, errors.New("stitch dispatcher not configured")
	}

	unlock := c.locks.Lock(t.BatchID)
	st, err := c.load(ctx, t)
	if err != nil {
		unlock()
		return nil, err
	}
	switch {
	case st.status() == domain.StitchStitching:
		unlock()
		return nil, apperrors.Conflict(apperrors.CodeStitchInProgress, "a stitch is already running").
			WithParams(map[string]interface{}{"batch_id": t.BatchID, "row_id": t.RowID})
	case st.row != nil && st.row.Status != domain.RowCompleted:
		unlock()
		return nil, apperrors.ErrInvalidRowState("stitch", st.row.ID, string(st.row.Status))
	case st.inputs < MinInputs:
		unlock()
		return nil, apperrors.ErrInsufficientInputs(st.inputs, MinInputs)
	case st.artifact() != "" && !force:
		unlock()
		return nil, apperrors.Conflict(apperrors.CodeAlreadyStitched, "already stitched; use force to stitch again").
			WithParam("artifact", st.artifact())
	}
	if err := c.setStatus(ctx, st, domain.StitchStitching, ""); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	if err := c.dispatch.Dispatch(ctx, t); err != nil {
		c.fail(ctx, t, 0, fmt.Errorf("dispatch stitch: %w", err))
		return nil, fmt.Errorf("dispatch stitch: %w", err)
	}

	c.events.Emit(ctx, domain.EventStitchRequested, aggregate(t), aggregateID(t), t.Actor, domain.StitchPayload{
		BatchID: t.BatchID,
		RowID:   t.RowID,
		OwnerID: st.batch.OwnerID,
		Inputs:  st.inputs,
	})
	logger.Info("Stitch accepted",
		logger.BatchID(t.BatchID),
		logger.RowID(t.RowID),
		zap.String("scope", t.Scope()),
		zap.Int("inputs", st.inputs),
		zap.Bool("force", force),
	)
	return &Accepted{Target: t, Status: domain.StitchStitching, Inputs: st.inputs}, nil
}

// load reads the target and computes its inputs. Caller holds the lock.
func (c *Coordinator) load(ctx context.Context, t Target) (*state, error) {
	b, err := c.store.GetBatch(ctx, t.BatchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrBatchNotFound(t.BatchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", t.BatchID, err)
	}
	st := &state{batch: b}

	if t.RowID != "" {
		row, err := c.store.GetRow(ctx, t.RowID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrRowNotFound(t.RowID)
		}
		if err != nil {
			return nil, fmt.Errorf("get row %s: %w", t.RowID, err)
		}
		st.row = row
		// Only a completed row has output to stitch.
		if row.Status == domain.RowCompleted {
			st.segments = unitSegments(row)
			st.inputs = len(st.segments)
		}
		return st, nil
	}

	rows, err := c.store.ListRows(ctx, t.BatchID)
	if err != nil {
		return nil, fmt.Errorf("list rows of %s: %w", t.BatchID, err)
	}
	st.rows = rows
	for _, r := range rows {
		if r.Status != domain.RowCompleted {
			continue
		}
		st.inputs++
		if r.StitchStatus == domain.StitchCompleted && r.StitchedArtifact != "" {
			var secs float64
			for _, u := range r.CompletedUnits() {
				secs += u.RenderedSeconds
			}
			st.segments = append(st.segments, Segment{
				Label:   fmt.Sprintf("row %d", r.Ordinal),
				Ref:     r.StitchedArtifact,
				Seconds: secs,
			})
			continue
		}
		st.segments = append(st.segments, unitSegments(r)...)
	}
	return st, nil
}

func unitSegments(r *domain.Row) []Segment {
	units := r.CompletedUnits()
	out := make([]Segment, 0, len(units))
	for _, u := range units {
		out = append(out, Segment{
			Label:   fmt.Sprintf("row %d unit %d", r.Ordinal, u.Ordinal),
			Ref:     u.OutputRef,
			Seconds: u.RenderedSeconds,
		})
	}
	return out
}

// setStatus moves the target's stitch status and persists it. Caller holds
// the lock.
func (c *Coordinator) setStatus(ctx context.Context, st *state, to domain.StitchStatus, artifact string) error {
	from := st.status()
	if !domain.CanTransitionStitch(from, to) {
		return fmt.Errorf("illegal stitch transition %s -> %s", from, to)
	}
	now := c.now()
	if st.row != nil {
		st.row.StitchStatus = to
		if to == domain.StitchCompleted {
			st.row.StitchedArtifact = artifact
			st.row.StitchError = ""
		}
		st.row.UpdatedAt = now
		return c.store.UpdateRow(ctx, st.row)
	}
	st.batch.StitchStatus = to
	if to == domain.StitchCompleted {
		st.batch.StitchedArtifact = artifact
		st.batch.StitchError = ""
	}
	st.batch.UpdatedAt = now
	return c.store.UpdateBatch(ctx, st.batch)
}

// Run composes and stores the artifact of an accepted target. A target that
// is no longer stitching (already finished by an earlier delivery) is
// skipped.
func (c *Coordinator) Run(ctx context.Context, t Target) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "stitch.compose")
	span.SetAttributes(
		tracing.AttrBatchID.String(t.BatchID),
		attribute.String("reelbatch.stitch_scope", t.Scope()),
		attribute.String("reelbatch.composer", c.composer.Name()),
	)
	if t.RowID != "" {
		span.SetAttributes(tracing.AttrRowID.String(t.RowID))
	}
	start := time.Now()
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.Stitch(t.Scope(), outcome, time.Since(start))
		span.End()
	}()

	unlock := c.locks.Lock(t.BatchID)
	st, err := c.load(ctx, t)
	unlock()
	if err != nil {
		return err
	}
	if st.status() != domain.StitchStitching {
		logger.Debug("Skipping stitch no longer in progress", logger.BatchID(t.BatchID), logger.RowID(t.RowID))
		return nil
	}
	if st.inputs < MinInputs {
		err := apperrors.ErrInsufficientInputs(st.inputs, MinInputs)
		c.fail(ctx, t, st.inputs, err)
		return err
	}

	ref, err := c.compose(ctx, t, st.segments)
	if err != nil {
		c.fail(ctx, t, st.inputs, err)
		return err
	}

	unlock = c.locks.Lock(t.BatchID)
	st2, err := c.load(ctx, t)
	if err == nil && st2.status() == domain.StitchStitching {
		err = c.setStatus(ctx, st2, domain.StitchCompleted, ref)
	}
	unlock()
	if err != nil {
		return fmt.Errorf("record stitch result: %w", err)
	}

	logger.Info("Stitch completed",
		logger.BatchID(t.BatchID),
		logger.RowID(t.RowID),
		zap.String("artifact", ref),
		zap.Int("segments", len(st.segments)),
	)
	c.events.Emit(ctx, domain.EventStitchCompleted, aggregate(t), aggregateID(t), t.Actor, domain.StitchPayload{
		BatchID:  t.BatchID,
		RowID:    t.RowID,
		OwnerID:  st.batch.OwnerID,
		Artifact: ref,
		Inputs:   st.inputs,
	})
	return nil
}

func (c *Coordinator) compose(ctx context.Context, t Target, segments []Segment) (string, error) {
	out, err := c.composer.Compose(ctx, segments)
	if err != nil {
		return "", fmt.Errorf("compose: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			logger.Warn("Failed to clean up composition", zap.Error(cerr))
		}
	}()

	id := t.BatchID
	if t.RowID != "" {
		id = t.RowID
	}
	prefix := "batches"
	if t.RowID != "" {
		prefix = "rows"
	}
	key := ArtifactKey(prefix, id, segments, out.Ext)
	ref, err := c.artifacts.Put(ctx, key, out.Body, out.ContentType)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return ref, nil
}

// fail records cause and returns the target to idle.
func (c *Coordinator) fail(ctx context.Context, t Target, inputs int, cause error) {
	logger.Error("Stitch failed", logger.BatchID(t.BatchID), logger.RowID(t.RowID), zap.Error(cause))

	// The target must leave stitching even if the caller's context ended.
	ctx = context.WithoutCancel(ctx)
	unlock := c.locks.Lock(t.BatchID)
	st, err := c.load(ctx, t)
	if err != nil || st.status() != domain.StitchStitching {
		unlock()
		if err != nil {
			logger.Error("Failed to record stitch failure", logger.BatchID(t.BatchID), zap.Error(err))
		}
		return
	}
	err = c.setStatus(ctx, st, domain.StitchFailed, "")
	if err == nil {
		if st.row != nil {
			st.row.StitchError = cause.Error()
		} else {
			st.batch.StitchError = cause.Error()
		}
		err = c.setStatus(ctx, st, domain.StitchIdle, "")
	}
	unlock()
	if err != nil {
		logger.Error("Failed to record stitch failure", logger.BatchID(t.BatchID), zap.Error(err))
		return
	}

	c.events.Emit(ctx, domain.EventStitchFailed, aggregate(t), aggregateID(t), t.Actor, domain.StitchPayload{
		BatchID: t.BatchID,
		RowID:   t.RowID,
		OwnerID: st.batch.OwnerID,
		Inputs:  inputs,
		Error:   cause.Error(),
	})
}

func aggregate(t Target) string {
	if t.RowID != "" {
		return domain.AggregateRow
	}
	return domain.AggregateBatch
}

func aggregateID(t Target) string {
	if t.RowID != "" {
		return t.RowID
	}
	return t.BatchID
}

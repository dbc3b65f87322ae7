package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/tracing"
)

// cancelTimeout bounds the best-effort provider Cancel after a timeout or abort.
const cancelTimeout = 5 * time.Second

// runUnit renders unit i until it succeeds or its retry budget for the last
// failure kind is spent. A non-empty kind means the unit failed for good.
// A non-nil error means the row was taken away and nothing must be written.
func (e *Executor) runUnit(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row, i int, p provider.Provider, log *zap.Logger) (domain.ErrorKind, string, error) {
	unit := &row.Units[i]
	log = log.With(zap.Int("unit", unit.Ordinal))

	for attempt := 1; ; attempt++ {
		err := gate.Do(ctx, row, func(ctx context.Context) error {
			unit.Status = domain.UnitInProgress
			unit.Attempts = attempt
			unit.JobID = ""
			unit.ErrorKind = domain.ErrKindNone
			unit.ErrorMessage = ""
			row.UpdatedAt = e.now()
			return e.store.UpdateRow(ctx, row)
		})
		if err != nil {
			return "", "", err
		}

		st, err := e.attempt(ctx, gate, batch, row, unit, attempt, p)
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if errors.Is(err, ErrDiscarded) {
			return "", "", err
		}
		if err == nil && st.State == provider.JobSucceeded {
			err := gate.Do(ctx, row, func(ctx context.Context) error {
				unit.Status = domain.UnitCompleted
				unit.OutputRef = st.OutputRef
				unit.RenderedSeconds = st.RenderedSeconds
				row.UpdatedAt = e.now()
				return e.store.UpdateRow(ctx, row)
			})
			return "", "", err
		}
		if err == nil {
			// Terminal failure reported by the provider.
			err = st.Err
			if st.Err == nil {
				err = &provider.Error{Code: provider.CodeInternal, Message: "job failed without error detail"}
			}
		}

		kind := provider.Classify(err)
		e.metrics.ProviderError(p.Name(), kind)
		if attempt < kind.MaxAttempts(e.cfg.MaxAttempts) {
			var delay time.Duration
			if kind.Backoff() {
				delay = e.cfg.Backoff(attempt, provider.RetryAfter(err))
			}
			log.Warn("Unit attempt failed; retrying",
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return "", "", err
			}
			continue
		}

		msg := err.Error()
		err = gate.Do(ctx, row, func(ctx context.Context) error {
			unit.Status = domain.UnitFailed
			unit.ErrorKind = kind
			unit.ErrorMessage = msg
			row.UpdatedAt = e.now()
			return e.store.UpdateRow(ctx, row)
		})
		if err != nil {
			return "", "", err
		}
		return kind, msg, nil
	}
}

// attempt submits the unit once and waits for a terminal job status, a
// callback, or the unit timeout. A timeout is returned as
// context.DeadlineExceeded so it classifies as TIMEOUT.
func (e *Executor) attempt(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row, unit *domain.Unit, attempt int, p provider.Provider) (st provider.JobStatus, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "unit.render")
	span.SetAttributes(
		tracing.AttrBatchID.String(batch.ID),
		tracing.AttrRowID.String(row.ID),
		tracing.AttrUnit.Int(unit.Ordinal),
		attribute.Int("reelbatch.attempt", attempt),
		attribute.String("reelbatch.provider", p.Name()),
	)
	start := time.Now()
	defer func() {
		outcome := string(st.State)
		if err != nil {
			outcome = string(provider.Classify(err))
			span.SetStatus(codes.Error, err.Error())
		} else if st.State == provider.JobFailed && st.Err != nil {
			span.SetStatus(codes.Error, st.Err.Error())
		}
		e.metrics.UnitAttempt(p.Name(), outcome, time.Since(start))
		span.End()
	}()

	uctx := ctx
	if e.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, e.cfg.UnitTimeout)
		defer cancel()
	}

	jobID, err := p.Submit(uctx, e.request(batch, row, unit, attempt))
	if err != nil {
		return provider.JobStatus{}, err
	}
	if err := gate.Do(ctx, row, func(ctx context.Context) error {
		unit.JobID = jobID
		return e.store.UpdateRow(ctx, row)
	}); err != nil {
		e.cancelJob(ctx, p, jobID)
		return provider.JobStatus{}, err
	}

	var callbacks <-chan provider.JobStatus
	if e.hub != nil {
		ch, stop := e.hub.Register(jobID)
		defer stop()
		callbacks = ch
	}

	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-uctx.Done():
			e.cancelJob(ctx, p, jobID)
			if ctx.Err() != nil {
				return provider.JobStatus{}, ctx.Err()
			}
			return provider.JobStatus{}, fmt.Errorf("unit %d job %s: %w", unit.Ordinal, jobID, context.DeadlineExceeded)
		case cb := <-callbacks:
			if cb.State.Terminal() {
				return cb, nil
			}
		case <-timer.C:
			polled, err := p.Poll(uctx, jobID)
			switch {
			case err != nil && uctx.Err() != nil:
				// Reported by the select on the next iteration.
			case err != nil:
				if kind := provider.Classify(err); !kind.Retryable() {
					return provider.JobStatus{}, err
				}
			case polled.State.Terminal():
				return polled, nil
			}
			timer.Reset(interval)
		}
	}
}

// cancelJob asks the provider to stop a job whose result will not be used.
func (e *Executor) cancelJob(ctx context.Context, p provider.Provider, jobID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := p.Cancel(cctx, jobID); err != nil {
		logger.Debug("Provider cancel failed", logger.JobID(jobID), zap.Error(err))
	}
}

func (e *Executor) request(batch *domain.Batch, row *domain.Row, unit *domain.Unit, attempt int) provider.UnitRequest {
	return provider.UnitRequest{
		BatchID:         batch.ID,
		RowID:           row.ID,
		UnitOrdinal:     unit.Ordinal,
		Prompt:          unit.Prompt,
		ImageRef:        unit.ImageRef,
		DurationSeconds: e.pricing.UnitSeconds(unit.UnitSpec, batch.Config),
		Model:           batch.Config.Model,
		AspectRatio:     batch.Config.AspectRatio,
		Resolution:      batch.Config.Resolution,
		Actor:           row.Assignment.Actor,
		Voice:           row.Assignment.Voice,
		Extra:           batch.Config.Extra,
		IdempotencyKey:  fmt.Sprintf("%s/%d/%d/%d", row.ID, row.Attempts, unit.Ordinal, attempt),
	}
}

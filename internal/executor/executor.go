// Package executor drives one row through credit reservation, sequential unit
// rendering and settlement.
//
// Every write the executor makes goes through a Gate owned by the batch state
// machine. The gate serializes the write with batch transitions and refuses
// it once the batch is cancelled or the row left in_progress, so a late
// provider result can never resurrect an aborted row or charge for it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/metrics"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/tracing"
)

// ErrDiscarded is returned when the gate refused a write: the batch was
// cancelled or the row is no longer in_progress.
var ErrDiscarded = errors.New("row result discarded")

// Gate runs fn under the row's batch lock, but only while the batch is not
// cancelled and row is still in_progress. Otherwise it returns ErrDiscarded.
type Gate interface {
	Do(ctx context.Context, row *domain.Row, fn func(ctx context.Context) error) error
}

// Config is the executor's timing and retry policy.
type Config struct {
	PollInterval time.Duration
	UnitTimeout  time.Duration
	// MaxAttempts bounds attempts for RATE_LIMITED and PROVIDER_ERROR.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// ConfigFrom maps the executor config section.
func ConfigFrom(c config.ExecutorConfig) Config {
	return Config{
		PollInterval: c.PollInterval,
		UnitTimeout:  c.UnitTimeout,
		MaxAttempts:  c.MaxAttempts,
		BackoffBase:  c.BackoffBase,
		BackoffMax:   c.BackoffMax,
	}
}

// Backoff returns the wait before attempt n+1 after attempt n failed.
func (c Config) Backoff(n int, retryAfter time.Duration) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n && d < c.BackoffMax; i++ {
		d *= 2
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		d = c.BackoffMax
	}
	return max(d, retryAfter)
}

// Executor runs rows. It is safe for concurrent use.
type Executor struct {
	store     repository.BatchStore
	ledger    ledger.Ledger
	providers *provider.Registry
	hub       *provider.CallbackHub
	pricing   domain.Pricing
	cfg       Config
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithCallbackHub lets units finish on provider callbacks instead of the
// next poll.
func WithCallbackHub(h *provider.CallbackHub) Option {
	return func(e *Executor) { e.hub = h }
}

// WithMetrics records executor metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// New creates an Executor.
func New(store repository.BatchStore, l ledger.Ledger, providers *provider.Registry, pricing domain.Pricing, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		store:     store,
		ledger:    l,
		providers: providers,
		pricing:   pricing,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs an in_progress row to a terminal state and returns it.
// It returns ErrDiscarded (or the context error) when the row was taken away
// by an abort; in that case nothing the executor did after the abort is kept.
func (e *Executor) Execute(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row) (*domain.Row, error) {
	ctx, span := tracing.Tracer().Start(ctx, "row.execute", trace.WithAttributes(
		tracing.AttrBatchID.String(batch.ID),
		tracing.AttrRowID.String(row.ID),
		attribute.Int("reelbatch.units", len(row.Units)),
	))
	defer span.End()

	log := logger.With(logger.BatchID(batch.ID), logger.RowID(row.ID), zap.Int("ordinal", row.Ordinal))

	row, err := e.execute(ctx, gate, batch, row.Clone(), log)
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		log.Debug("Row result discarded", zap.Error(err))
	case row.Status == domain.RowFailed:
		span.SetAttributes(tracing.AttrKind.String(string(row.ErrorKind)))
		span.SetStatus(codes.Error, row.ErrorMessage)
		log.Info("Row failed",
			zap.String("kind", string(row.ErrorKind)),
			zap.String("error", row.ErrorMessage),
		)
	default:
		log.Info("Row completed", zap.Int64("credits_charged", row.CreditsCharged))
	}
	if err == nil {
		e.metrics.RowSettled(row.Status, row.ErrorKind)
	}
	return row, err
}

func (e *Executor) execute(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row, log *zap.Logger) (*domain.Row, error) {
	p, err := e.providers.Get(batch.Config.Provider)
	if err != nil {
		return row, e.fail(ctx, gate, row, domain.ErrKindInvalidParams, err.Error())
	}

	if err := e.reserve(ctx, gate, batch, row); err != nil {
		return row, err
	}
	if row.Status == domain.RowFailed {
		return row, nil
	}

	for i := range row.Units {
		if row.Units[i].Status == domain.UnitCompleted {
			continue
		}
		kind, msg, err := e.runUnit(ctx, gate, batch, row, i, p, log)
		if err != nil {
			return row, err
		}
		if kind != domain.ErrKindNone {
			return row, e.fail(ctx, gate, row, kind, fmt.Sprintf("unit %d: %s", i, msg))
		}
	}

	return row, e.complete(ctx, gate, batch, row)
}

// reserve holds the estimated credits. An insufficient balance fails the row
// without contacting the provider.
func (e *Executor) reserve(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row) error {
	amount := e.pricing.EstimateRow(row, batch.Config)
	return gate.Do(ctx, row, func(ctx context.Context) error {
		res, err := e.ledger.Reserve(ctx, batch.OwnerID, amount, domain.CreditRef{BatchID: batch.ID, RowID: row.ID})
		now := e.now()
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			row.Fail(domain.ErrKindCreditExhausted,
				fmt.Sprintf("insufficient credits: row needs %d", amount), now)
		case err != nil:
			row.Fail(domain.ErrKindLedger, "reserve credits: "+err.Error(), now)
		default:
			row.ReservationID = res.ID
			row.CreditsReserved = res.Amount
			row.UpdatedAt = now
		}
		if uerr := e.store.UpdateRow(ctx, row); uerr != nil {
			if err == nil {
				// An unrecorded hold would never be released.
				if rerr := e.ledger.Refund(context.WithoutCancel(ctx), res.ID); rerr != nil {
					logger.Error("Failed to release unrecorded reservation",
						logger.RowID(row.ID), zap.String("reservation_id", res.ID), zap.Error(rerr))
				}
				row.ReservationID = ""
				row.CreditsReserved = 0
			}
			return uerr
		}
		if err == nil {
			e.metrics.CreditsReserved(res.Amount)
		}
		return nil
	})
}

// fail marks the row failed and releases its reservation.
func (e *Executor) fail(ctx context.Context, gate Gate, row *domain.Row, kind domain.ErrorKind, msg string) error {
	return gate.Do(ctx, row, func(ctx context.Context) error {
		if row.ReservationID != "" {
			if err := e.ledger.Refund(ctx, row.ReservationID); err != nil {
				return fmt.Errorf("refund row %s: %w", row.ID, err)
			}
			e.metrics.CreditsRefunded(row.CreditsReserved)
		}
		row.CreditsCharged = 0
		row.Fail(kind, msg, e.now())
		return e.store.UpdateRow(ctx, row)
	})
}

// complete charges for what was rendered, capped at the reservation.
func (e *Executor) complete(ctx context.Context, gate Gate, batch *domain.Batch, row *domain.Row) error {
	actual := min(e.pricing.ActualRow(row, batch.Config), row.CreditsReserved)
	return gate.Do(ctx, row, func(ctx context.Context) error {
		if err := e.ledger.Debit(ctx, row.ReservationID, actual); err != nil {
			logger.Error("Debit failed; refunding reservation",
				logger.RowID(row.ID),
				zap.Error(err),
			)
			if rerr := e.ledger.Refund(ctx, row.ReservationID); rerr != nil {
				return fmt.Errorf("refund row %s after failed debit: %w", row.ID, rerr)
			}
			row.Fail(domain.ErrKindLedger, "debit credits: "+err.Error(), e.now())
			return e.store.UpdateRow(ctx, row)
		}
		e.metrics.CreditsCharged(actual)
		e.metrics.CreditsRefunded(row.CreditsReserved - actual)

		now := e.now()
		row.Status = domain.RowCompleted
		row.CreditsCharged = actual
		row.ErrorKind = domain.ErrKindNone
		row.ErrorMessage = ""
		row.FinishedAt = &now
		row.UpdatedAt = now
		return e.store.UpdateRow(ctx, row)
	})
}

// Package batch is the batch state machine.
//
// A batch moves draft → (test_running → paused_for_review →) running →
// completed | partially_failed, or to cancelled from any non-terminal state.
// Rows are admitted through lanes: a lane is one task on the rows pool that
// keeps claiming the lowest-ordinal eligible pending row and running it until
// nothing is claimable. A batch never has more lanes than its concurrency, so
// settling a row refills its slot without any extra scheduling.
//
// Every state change of a batch or its rows happens under the batch's lock.
// The executor writes through Service.Do, which takes the same lock and
// refuses writes for cancelled batches and rows no longer in_progress.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/executor"
	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/metrics"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/keylock"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/pkg/worker"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository"
)

// ActorSystem is the actor recorded for transitions nobody requested.
const ActorSystem = "system"

// RowRunner executes one claimed row.
type RowRunner interface {
	Execute(ctx context.Context, gate executor.Gate, batch *domain.Batch, row *domain.Row) (*domain.Row, error)
}

// Submitter runs tasks on the worker pools.
type Submitter interface {
	SubmitDetached(poolName string, task worker.Task) error
}

// Config is the state machine policy.
type Config struct {
	TestRunSize int
	Concurrency int
	MaxRows     int
	OrphanAfter time.Duration

	// MaxUnitSeconds caps requested unit durations; zero means
	// DefaultMaxUnitSeconds.
	MaxUnitSeconds float64
}

// DefaultMaxUnitSeconds is the unit duration cap when none is configured.
const DefaultMaxUnitSeconds = 600

// ConfigFrom maps the batch config section.
func ConfigFrom(c config.BatchConfig) Config {
	return Config{
		TestRunSize: c.TestRunSize,
		Concurrency: c.Concurrency,
		MaxRows:     c.MaxRows,
		OrphanAfter: c.OrphanAfter,

		MaxUnitSeconds: c.MaxUnitSeconds,
	}
}

// Service implements the batch operations.
type Service struct {
	store     repository.BatchStore
	ledger    ledger.Ledger
	runner    RowRunner
	pools     Submitter
	providers *provider.Registry
	events    *domain.EventDispatcher
	metrics   *metrics.Metrics
	pricing   domain.Pricing
	cfg       Config
	locks     *keylock.Map

	mu       sync.Mutex
	lanes    map[string]int                // batch id -> open lanes
	inflight map[string]context.CancelFunc // row id -> executor cancel

	now func() time.Time
}

var _ executor.Gate = (*Service)(nil)

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     repository.BatchStore
	Ledger    ledger.Ledger
	Runner    RowRunner
	Pools     Submitter
	Providers *provider.Registry
	Events    *domain.EventDispatcher
	Metrics   *metrics.Metrics
	Pricing   domain.Pricing
	// Locks is shared with every other writer of batches and rows.
	Locks *keylock.Map
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.TestRunSize < 1 {
		cfg.TestRunSize = 3
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if !(cfg.MaxUnitSeconds > 0) {
		cfg.MaxUnitSeconds = DefaultMaxUnitSeconds
	}
	locks := deps.Locks
	if locks == nil {
		locks = &keylock.Map{}
	}
	return &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		runner:    deps.Runner,
		pools:     deps.Pools,
		providers: deps.Providers,
		events:    deps.Events,
		metrics:   deps.Metrics,
		pricing:   deps.Pricing,
		cfg:       cfg,
		locks:     locks,
		lanes:     make(map[string]int),
		inflight:  make(map[string]context.CancelFunc),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// LaunchRequest describes a new batch.
type LaunchRequest struct {
	OwnerID string
	Name    string
	Config  domain.BaseConfig
	Rows    []domain.RowSpec
	Staged  bool
}

// Launch creates a batch and starts it: staged batches admit only the test
// run subset, full batches admit every row.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (*domain.Batch, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	b := &domain.Batch{
		ID:           uuid.Must(uuid.NewV7()).String(),
		OwnerID:      req.OwnerID,
		Name:         strings.TrimSpace(req.Name),
		Config:       req.Config,
		Staged:       req.Staged,
		Status:       domain.BatchDraft,
		TotalRows:    len(req.Rows),
		StitchStatus: domain.StitchIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if b.Name == "" {
		b.Name = "batch " + now.Format("2006-01-02 15:04")
	}
	if b.Config.Provider == "" {
		// Pin the default so later config changes do not move the batch.
		p, _ := s.providers.Get("")
		b.Config.Provider = p.Name()
	}

	to := domain.BatchRunning
	if req.Staged {
		to = domain.BatchTestRunning
		b.TestRunSize = min(s.cfg.TestRunSize, len(req.Rows))
	}
	if !domain.CanTransitionBatch(b.Status, to) {
		return nil, apperrors.ErrInvalidBatchState("launch", string(b.Status))
	}
	b.Status = to

	rows := make([]*domain.Row, len(req.Rows))
	for i, spec := range req.Rows {
		rows[i] = domain.NewRow(uuid.Must(uuid.NewV7()).String(), b.ID, i, spec, now)
	}

	unlock := s.locks.Lock(b.ID)
	if err := s.store.CreateBatch(ctx, b, rows); err != nil {
		unlock()
		return nil, fmt.Errorf("create batch: %w", err)
	}
	lanes := s.reserveLanes(b.ID)
	unlock()

	logger.Info("Batch launched",
		logger.BatchID(b.ID),
		logger.UserID(b.OwnerID),
		zap.Int("rows", b.TotalRows),
		zap.Bool("staged", b.Staged),
		zap.Int("test_run_size", b.TestRunSize),
	)
	s.metrics.BatchTransition(b.Status)
	s.emitBatch(ctx, domain.EventBatchLaunched, b, domain.CountRows(rows), b.OwnerID)
	s.startLanes(b.ID, lanes)
	return b.Clone(), nil
}

// durationProblem describes why a requested duration is unacceptable, or
// returns "" when it is fine. Zero means "use the default".
func (s *Service) durationProblem(secs float64) string {
	switch {
	case math.IsNaN(secs) || secs < 0:
		return "duration must not be negative"
	case secs > s.cfg.MaxUnitSeconds:
		return fmt.Sprintf("duration must be at most %g seconds", s.cfg.MaxUnitSeconds)
	}
	return ""
}

func (s *Service) validate(req LaunchRequest) error {
	var fields []apperrors.FieldError
	add := func(field, code, msg string) {
		fields = append(fields, apperrors.FieldError{Field: field, Code: code, Message: msg})
	}

	if req.OwnerID == "" {
		add("owner_id", "required", "owner is required")
	}
	switch {
	case len(req.Rows) == 0:
		add("rows", "required", "at least one row is required")
	case s.cfg.MaxRows > 0 && len(req.Rows) > s.cfg.MaxRows:
		add("rows", "too_many", fmt.Sprintf("at most %d rows per batch", s.cfg.MaxRows))
	}
	if msg := s.durationProblem(req.Config.DurationSeconds); msg != "" {
		add("config.duration_seconds", "invalid", msg)
	}
	for i, r := range req.Rows {
		if len(r.Units) == 0 {
			add(fmt.Sprintf("rows[%d].units", i), "required", "at least one unit is required")
		}
		for j, u := range r.Units {
			if strings.TrimSpace(u.Prompt) == "" {
				add(fmt.Sprintf("rows[%d].units[%d].prompt", i, j), "required", "prompt is required")
			}
			if msg := s.durationProblem(u.DurationSeconds); msg != "" {
				add(fmt.Sprintf("rows[%d].units[%d].duration_seconds", i, j), "invalid", msg)
			}
		}
	}
	if len(fields) > 0 {
		return apperrors.ErrValidation(fields)
	}

	if _, err := s.providers.Get(req.Config.Provider); err != nil {
		return apperrors.BadRequest(apperrors.CodeUnknownProvider, err.Error()).
			WithParam("provider", req.Config.Provider)
	}
	return nil
}

// View is the status of a batch as stored; it never waits on running rows.
type View struct {
	Batch   *domain.Batch  `json:"batch"`
	Rows    []*domain.Row  `json:"rows"`
	Counts  domain.Counts  `json:"counts"`
	Credits CreditsSummary `json:"credits"`
}

// CreditsSummary totals the credits of a batch's rows.
type CreditsSummary struct {
	// Estimated is what every row would cost at its requested durations.
	Estimated int64 `json:"estimated"`
	// Held is reserved by rows still rendering.
	Held    int64 `json:"held"`
	Charged int64 `json:"charged"`
}

// Status returns the current view of a batch.
func (s *Service) Status(ctx context.Context, batchID string) (*View, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list rows of %s: %w", batchID, err)
	}
	v := &View{Batch: b, Rows: rows, Counts: domain.CountRows(rows)}
	for _, r := range rows {
		v.Credits.Estimated += s.pricing.EstimateRow(r, b.Config)
		v.Credits.Charged += r.CreditsCharged
		if r.Status == domain.RowInProgress {
			v.Credits.Held += r.CreditsReserved
		}
	}
	return v, nil
}

// Summary is one entry of List.
type Summary struct {
	*domain.Batch
	Counts domain.Counts `json:"counts"`
}

// List returns the owner's batches, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Summary, error) {
	batches, err := s.store.ListBatches(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]Summary, 0, len(batches))
	for _, b := range batches {
		rows, err := s.store.ListRows(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list rows of %s: %w", b.ID, err)
		}
		out = append(out, Summary{Batch: b, Counts: domain.CountRows(rows)})
	}
	return out, nil
}

func (s *Service) getBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrBatchNotFound(batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return b, nil
}

// transition moves b to status to and persists it. Caller holds the lock.
func (s *Service) transition(ctx context.Context, b *domain.Batch, to domain.BatchStatus) error {
	if !domain.CanTransitionBatch(b.Status, to) {
		return fmt.Errorf("illegal batch transition %s -> %s", b.Status, to)
	}
	from := b.Status
	b.Status = to
	b.UpdatedAt = s.now()
	if err := s.store.UpdateBatch(ctx, b); err != nil {
		b.Status = from
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	s.metrics.BatchTransition(to)
	logger.Info("Batch transitioned",
		logger.BatchID(b.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) emitBatch(ctx context.Context, t domain.EventType, b *domain.Batch, counts domain.Counts, actor string) {
	s.events.Emit(ctx, t, domain.AggregateBatch, b.ID, actor, domain.BatchPayload{
		BatchID: b.ID,
		OwnerID: b.OwnerID,
		Name:    b.Name,
		Status:  b.Status,
		Counts:  counts,
		Actor:   actor,
	})
}

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/eventbus"
	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/repository/memory"
	"reelbatch.io/orchestrator/internal/repository/repotest"
)

func init() {
	_ = logger.Init("error", "json")
}

// storeGate admits writes while the row is in_progress in the store and the
// batch has not been marked cancelled.
type storeGate struct {
	mu        sync.Mutex
	store     repository.BatchStore
	cancelled atomic.Bool
}

func (g *storeGate) Do(ctx context.Context, row *domain.Row, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled.Load() {
		return ErrDiscarded
	}
	cur, err := g.store.GetRow(ctx, row.ID)
	if err != nil {
		return err
	}
	if cur.Status != domain.RowInProgress {
		return ErrDiscarded
	}
	return fn(ctx)
}

type harness struct {
	store  *memory.Store
	ledger *ledger.MemoryLedger
	mock   *provider.MockProvider
	gate   *storeGate
	exec   *Executor
	batch  *domain.Batch
	row    *domain.Row

	mu     sync.Mutex
	delays []time.Duration
}

var testPricing = domain.Pricing{CreditsPerSecond: 10, DefaultUnitSeconds: 5}

func testConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		UnitTimeout:  time.Second,
		MaxAttempts:  3,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   40 * time.Millisecond,
	}
}

// newHarness creates one in_progress row with the given unit durations and
// grants the owner credits.
func newHarness(t *testing.T, credits int64, cfg Config, units []float64, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:  memory.New(),
		ledger: ledger.NewMemoryLedger(),
		mock:   provider.NewMockProvider(),
	}
	h.gate = &storeGate{store: h.store}

	b, rows := repotest.NewBatch("b1", "u1", 1, time.Now().UTC())
	b.Status = domain.BatchRunning
	row := rows[0]
	row.Units = nil
	for i, secs := range units {
		row.Units = append(row.Units, domain.Unit{
			UnitSpec: domain.UnitSpec{Prompt: "scene", DurationSeconds: secs},
			Ordinal:  i,
			Status:   domain.UnitPending,
		})
	}
	row.Status = domain.RowInProgress
	row.Attempts = 1
	require.NoError(t, h.store.CreateBatch(ctx, b, rows))

	if credits > 0 {
		_, err := h.ledger.Grant(ctx, "u1", credits, "test")
		require.NoError(t, err)
	}

	reg := provider.NewRegistry("mock")
	reg.Register(h.mock)
	opts = append([]Option{WithSleep(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	})}, opts...)
	h.exec = New(h.store, h.ledger, reg, testPricing, cfg, opts...)
	h.batch = b
	h.row = row
	return h
}

func (h *harness) run(ctx context.Context) (*domain.Row, error) {
	return h.exec.Execute(ctx, h.gate, h.batch, h.row)
}

func (h *harness) available(t *testing.T) int64 {
	t.Helper()
	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	return acct.Available
}

func (h *harness) netCharge(t *testing.T) int64 {
	t.Helper()
	n, err := ledger.RowNetCharge(context.Background(), h.ledger, h.row.ID)
	require.NoError(t, err)
	return n
}

func TestExecute_Succeeds(t *testing.T) {
	h := newHarness(t, 100, testConfig(), []float64{4})

	row, err := h.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RowCompleted, row.Status)
	assert.Equal(t, int64(40), row.CreditsReserved)
	assert.Equal(t, int64(40), row.CreditsCharged)
	assert.Equal(t, "mock://b1/b1-row-0/0.mp4", row.Units[0].OutputRef)
	assert.NotNil(t, row.FinishedAt)
	assert.Equal(t, int64(60), h.available(t))
	assert.Equal(t, int64(40), h.netCharge(t))

	stored, err := h.store.GetRow(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RowCompleted, stored.Status)
	assert.Equal(t, domain.UnitCompleted, stored.Units[0].Status)
}

func TestExecute_ChargesRenderedDuration(t *testing.T) {
	h := newHarness(t, 100, testConfig(), []float64{4, 4})
	h.mock.SetScript(func(req provider.UnitRequest, attempt int) provider.MockStep {
		if req.UnitOrdinal == 1 {
			return provider.MockStep{RenderedSeconds: 2.05}
		}
		return provider.MockStep{}
	})

	row, err := h.run(context.Background())
	require.NoError(t, err)

	// 4s + 2.05s at 10 credits/s, rounded up.
	assert.Equal(t, int64(80), row.CreditsReserved)
	assert.Equal(t, int64(61), row.CreditsCharged)
	assert.Equal(t, int64(39), h.available(t))
	assert.Equal(t, int64(61), h.netCharge(t))
}

func TestExecute_CreditExhausted(t *testing.T) {
	h := newHarness(t, 10, testConfig(), []float64{4})

	row, err := h.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Equal(t, domain.ErrKindCreditExhausted, row.ErrorKind)
	assert.Empty(t, row.ReservationID)
	assert.Empty(t, h.mock.Submitted(), "provider must not be called without credits")
	assert.Equal(t, int64(10), h.available(t))
}

// rowWriteFailingStore rejects row writes.
type rowWriteFailingStore struct {
	*memory.Store
	err error
}

func (s *rowWriteFailingStore) UpdateRow(context.Context, *domain.Row) error {
	return s.err
}

func TestExecute_ReservationReleasedWhenRowWriteFails(t *testing.T) {
	h := newHarness(t, 1000, testConfig(), []float64{2, 2})
	writeErr := errors.New("db down")
	reg := provider.NewRegistry("mock")
	reg.Register(h.mock)
	h.exec = New(&rowWriteFailingStore{Store: h.store, err: writeErr}, h.ledger, reg, testPricing, testConfig())

	row, err := h.run(context.Background())
	require.ErrorIs(t, err, writeErr)
	assert.Empty(t, row.ReservationID)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Available)
	assert.Zero(t, acct.Held)
	assert.Zero(t, h.netCharge(t))
	assert.Empty(t, h.mock.Submitted())
}

func TestExecute_UnknownProvider(t *testing.T) {
	h := newHarness(t, 100, testConfig(), []float64{4})
	h.batch.Config.Provider = "nope"

	row, err := h.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Equal(t, domain.ErrKindInvalidParams, row.ErrorKind)
	assert.Equal(t, int64(100), h.available(t))
}

func TestExecute_RetryPolicy(t *testing.T) {
	rateLimited := &provider.Error{Code: provider.CodeRateLimited, HTTPStatus: 429, Message: "slow down"}
	unauthorized := &provider.Error{Code: provider.CodeUnauthorized, HTTPStatus: 401, Message: "bad key"}
	internal := &provider.Error{Code: provider.CodeInternal, HTTPStatus: 500, Message: "boom"}

	tests := []struct {
		name         string
		script       provider.MockScript
		wantStatus   domain.RowStatus
		wantKind     domain.ErrorKind
		wantAttempts int
		wantDelays   []time.Duration
	}{
		{
			name: "rate limited then succeeds",
			script: func(_ provider.UnitRequest, attempt int) provider.MockStep {
				if attempt < 3 {
					return provider.MockStep{SubmitErr: rateLimited}
				}
				return provider.MockStep{}
			},
			wantStatus:   domain.RowCompleted,
			wantAttempts: 3,
			wantDelays:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name: "rate limited exhausts budget",
			script: func(provider.UnitRequest, int) provider.MockStep {
				return provider.MockStep{SubmitErr: rateLimited}
			},
			wantStatus:   domain.RowFailed,
			wantKind:     domain.ErrKindRateLimited,
			wantAttempts: 3,
			wantDelays:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name: "retry-after raises the delay",
			script: func(_ provider.UnitRequest, attempt int) provider.MockStep {
				if attempt == 1 {
					return provider.MockStep{SubmitErr: &provider.Error{Code: provider.CodeRateLimited, RetryAfter: time.Second}}
				}
				return provider.MockStep{}
			},
			wantStatus:   domain.RowCompleted,
			wantAttempts: 2,
			wantDelays:   []time.Duration{time.Second},
		},
		{
			name: "provider failure on job",
			script: func(provider.UnitRequest, int) provider.MockStep {
				return provider.MockStep{Polls: 1, Fail: internal}
			},
			wantStatus:   domain.RowFailed,
			wantKind:     domain.ErrKindProvider,
			wantAttempts: 3,
			wantDelays:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name: "auth error is fatal",
			script: func(provider.UnitRequest, int) provider.MockStep {
				return provider.MockStep{Fail: unauthorized}
			},
			wantStatus:   domain.RowFailed,
			wantKind:     domain.ErrKindAuth,
			wantAttempts: 1,
		},
		{
			name: "invalid params is fatal",
			script: func(provider.UnitRequest, int) provider.MockStep {
				return provider.MockStep{SubmitErr: &provider.Error{Code: provider.CodeModeration, Message: "blocked"}}
			},
			wantStatus:   domain.RowFailed,
			wantKind:     domain.ErrKindInvalidParams,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100, testConfig(), []float64{4})
			h.mock.SetScript(tt.script)

			row, err := h.run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, row.Status)
			assert.Equal(t, tt.wantKind, row.ErrorKind)
			assert.Equal(t, tt.wantAttempts, h.mock.Attempts(row.ID, 0))
			assert.Equal(t, tt.wantAttempts, row.Units[0].Attempts)
			assert.Equal(t, tt.wantDelays, h.delays)

			if tt.wantStatus == domain.RowFailed {
				assert.Equal(t, int64(100), h.available(t), "failed row must be refunded")
				assert.Zero(t, h.netCharge(t))
			} else {
				assert.Equal(t, int64(40), h.netCharge(t))
			}
		})
	}
}

func TestExecute_TimeoutRetriesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.UnitTimeout = 20 * time.Millisecond
	h := newHarness(t, 100, cfg, []float64{4})
	h.mock.SetScript(func(provider.UnitRequest, int) provider.MockStep {
		return provider.MockStep{Hang: true}
	})

	row, err := h.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Equal(t, domain.ErrKindTimeout, row.ErrorKind)
	assert.Equal(t, 2, h.mock.Attempts(row.ID, 0))
	assert.Len(t, h.mock.Cancelled(), 2, "timed out jobs are cancelled")
	assert.Empty(t, h.delays, "timeouts retry without backoff")
	assert.Equal(t, int64(100), h.available(t))
}

func TestExecute_UnitsRunInOrderAndStopAtFailure(t *testing.T) {
	h := newHarness(t, 200, testConfig(), []float64{2, 2, 2})
	h.mock.SetScript(func(req provider.UnitRequest, _ int) provider.MockStep {
		if req.UnitOrdinal == 1 {
			return provider.MockStep{SubmitErr: &provider.Error{Code: provider.CodeInvalidParams}}
		}
		return provider.MockStep{}
	})

	row, err := h.run(context.Background())
	require.NoError(t, err)

	var ordinals []int
	for _, req := range h.mock.Submitted() {
		ordinals = append(ordinals, req.UnitOrdinal)
	}
	assert.Equal(t, []int{0, 1}, ordinals)
	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "unit 1")
	assert.Equal(t, domain.UnitCompleted, row.Units[0].Status)
	assert.Equal(t, domain.UnitFailed, row.Units[1].Status)
	assert.Equal(t, domain.UnitPending, row.Units[2].Status)
	assert.Zero(t, h.netCharge(t))
}

func TestExecute_IdempotencyKeyPerAttempt(t *testing.T) {
	h := newHarness(t, 100, testConfig(), []float64{4})
	h.mock.SetScript(func(_ provider.UnitRequest, attempt int) provider.MockStep {
		if attempt == 1 {
			return provider.MockStep{SubmitErr: &provider.Error{Code: provider.CodeRateLimited}}
		}
		return provider.MockStep{}
	})

	_, err := h.run(context.Background())
	require.NoError(t, err)

	reqs := h.mock.Submitted()
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
	assert.Equal(t, "b1-row-0/1/0/2", reqs[1].IdempotencyKey)
	assert.Equal(t, "actor-0", reqs[0].Actor)
}

func TestExecute_CompletesOnCallback(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	hub := provider.NewCallbackHub(eventbus.NewMemoryBus())
	h := newHarness(t, 100, cfg, []float64{4}, WithCallbackHub(hub))

	done := make(chan *domain.Row, 1)
	go func() {
		row, err := h.run(context.Background())
		assert.NoError(t, err)
		done <- row
	}()

	require.Eventually(t, func() bool {
		st, ok := h.mock.Complete("mock-job-1")
		return ok && hub.Deliver(st)
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case row := <-done:
		assert.Equal(t, domain.RowCompleted, row.Status)
		assert.Equal(t, int64(40), row.CreditsCharged)
	case <-time.After(2 * time.Second):
		t.Fatal("row did not complete on callback")
	}
}

func TestExecute_AbortCancelsInflightJob(t *testing.T) {
	h := newHarness(t, 100, testConfig(), []float64{4})
	h.mock.SetScript(func(provider.UnitRequest, int) provider.MockStep {
		return provider.MockStep{Hang: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.run(ctx)
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(h.mock.Submitted()) == 1 }, 2*time.Second, time.Millisecond)
	h.gate.cancelled.Store(true)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop on abort")
	}
	assert.Equal(t, []string{"mock-job-1"}, h.mock.Cancelled())

	stored, err := h.store.GetRow(context.Background(), h.row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RowInProgress, stored.Status, "aborted row is settled by the batch, not the executor")
}

func TestExecute_LateResultIsDiscarded(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	hub := provider.NewCallbackHub(eventbus.NewMemoryBus())
	h := newHarness(t, 100, cfg, []float64{4}, WithCallbackHub(hub))

	errc := make(chan error, 1)
	go func() {
		_, err := h.run(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool {
		stored, err := h.store.GetRow(context.Background(), h.row.ID)
		return err == nil && stored.Units[0].JobID != ""
	}, 2*time.Second, time.Millisecond)

	h.gate.cancelled.Store(true)
	require.Eventually(t, func() bool {
		st, ok := h.mock.Complete("mock-job-1")
		return ok && hub.Deliver(st)
	}, 2*time.Second, time.Millisecond)

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrDiscarded))
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not return")
	}

	stored, err := h.store.GetRow(context.Background(), h.row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitInProgress, stored.Units[0].Status, "late result must not be written")

	res, err := h.ledger.Reservation(context.Background(), stored.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationHeld, res.State, "late result must not be charged")
}

func TestConfig_Backoff(t *testing.T) {
	c := Config{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{4, 0, 800 * time.Millisecond},
		{5, 0, time.Second},
		{9, 0, time.Second},
		{1, 3 * time.Second, 3 * time.Second},
		{3, 50 * time.Millisecond, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Backoff(tt.attempt, tt.retryAfter), "attempt %d", tt.attempt)
	}
}

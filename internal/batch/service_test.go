package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/executor"
	"reelbatch.io/orchestrator/internal/ledger"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/pkg/worker"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

const waitFor = 5 * time.Second

// heldPools queues lanes while hold is set, so tests can observe state
// before rows start running.
type heldPools struct {
	*worker.Pools

	mu   sync.Mutex
	hold bool
	held []worker.Task
}

func (p *heldPools) SubmitDetached(name string, task worker.Task) error {
	p.mu.Lock()
	if name == worker.PoolRows && p.hold {
		p.held = append(p.held, task)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.Pools.SubmitDetached(name, task)
}

func (p *heldPools) setHold(v bool) {
	p.mu.Lock()
	p.hold = v
	tasks := p.held
	p.held = nil
	p.mu.Unlock()
	if v {
		return
	}
	for _, t := range tasks {
		_ = p.Pools.SubmitDetached(worker.PoolRows, t)
	}
}

func (p *heldPools) heldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

type env struct {
	svc    *Service
	store  *memory.Store
	ledger *ledger.MemoryLedger
	mock   *provider.MockProvider
	pools  *heldPools

	mu     sync.Mutex
	events []domain.EventType
}

var testPricing = domain.Pricing{CreditsPerSecond: 10, DefaultUnitSeconds: 4}

func newEnv(t *testing.T, cfg Config, credits int64) *env {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 4, RowsPoolSize: 16})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	e := &env{
		store:  memory.New(),
		ledger: ledger.NewMemoryLedger(),
		mock:   provider.NewMockProvider(),
		pools:  &heldPools{Pools: pools},
	}
	if credits > 0 {
		_, err := e.ledger.Grant(context.Background(), "u1", credits, "test")
		require.NoError(t, err)
	}

	reg := provider.NewRegistry("mock")
	reg.Register(e.mock)
	exec := executor.New(e.store, e.ledger, reg, testPricing, executor.Config{
		PollInterval: time.Millisecond,
		UnitTimeout:  waitFor,
		MaxAttempts:  2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   time.Millisecond,
	})

	events := domain.NewEventDispatcher()
	events.RegisterAll(func(_ context.Context, ev *domain.DomainEvent) error {
		e.mu.Lock()
		e.events = append(e.events, ev.EventType)
		e.mu.Unlock()
		return nil
	})

	e.svc = NewService(Deps{
		Store:     e.store,
		Ledger:    e.ledger,
		Runner:    exec,
		Pools:     e.pools,
		Providers: reg,
		Events:    events,
		Pricing:   testPricing,
	}, cfg)
	return e
}

func rowSpecs(n int) []domain.RowSpec {
	rows := make([]domain.RowSpec, n)
	for i := range rows {
		rows[i] = domain.RowSpec{
			Assignment: domain.Assignment{Actor: fmt.Sprintf("actor-%d", i)},
			Units:      []domain.UnitSpec{{Prompt: fmt.Sprintf("scene %d", i), DurationSeconds: 4}},
		}
	}
	return rows
}

func (e *env) launch(t *testing.T, n int, staged bool) *domain.Batch {
	t.Helper()
	b, err := e.svc.Launch(context.Background(), LaunchRequest{
		OwnerID: "u1",
		Name:    "promo",
		Config:  domain.BaseConfig{Provider: "mock"},
		Rows:    rowSpecs(n),
		Staged:  staged,
	})
	require.NoError(t, err)
	return b
}

func (e *env) view(t *testing.T, id string) *View {
	t.Helper()
	v, err := e.svc.Status(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (e *env) waitStatus(t *testing.T, id string, want domain.BatchStatus) *View {
	t.Helper()
	var v *View
	require.Eventually(t, func() bool {
		v = e.view(t, id)
		return v.Batch.Status == want
	}, waitFor, time.Millisecond, "batch never reached %s", want)
	require.Eventually(t, func() bool { return e.svc.Lanes(id) == 0 }, waitFor, time.Millisecond)
	return v
}

func (e *env) netCharge(t *testing.T, rowID string) int64 {
	t.Helper()
	n, err := ledger.RowNetCharge(context.Background(), e.ledger, rowID)
	require.NoError(t, err)
	return n
}

func (e *env) available(t *testing.T) int64 {
	t.Helper()
	a, err := e.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	return a.Available
}

func (e *env) eventTypes() []domain.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.EventType
	for _, t := range e.events {
		if t != domain.EventRowCompleted && t != domain.EventRowFailed {
			out = append(out, t)
		}
	}
	return out
}

func rowStatuses(v *View) []domain.RowStatus {
	out := make([]domain.RowStatus, len(v.Rows))
	for i, r := range v.Rows {
		out[i] = r.Status
	}
	return out
}

func byActor(actors ...string) func(provider.UnitRequest) bool {
	return func(req provider.UnitRequest) bool {
		for _, a := range actors {
			if req.Actor == a {
				return true
			}
		}
		return false
	}
}

var defaultCfg = Config{TestRunSize: 3, Concurrency: 4}

func TestLaunch_StagedAdmitsTestRunOnly(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b := e.launch(t, 10, true)
	assert.Equal(t, domain.BatchTestRunning, b.Status)
	assert.Equal(t, 3, b.TestRunSize)

	v := e.waitStatus(t, b.ID, domain.BatchPausedForReview)
	for _, r := range v.Rows {
		if r.Ordinal < 3 {
			assert.Equal(t, domain.RowCompleted, r.Status, "row %d", r.Ordinal)
		} else {
			assert.Equal(t, domain.RowPending, r.Status, "row %d", r.Ordinal)
		}
	}
	admitted := map[string]bool{}
	for _, req := range e.mock.Submitted() {
		admitted[req.Actor] = true
	}
	assert.Equal(t, map[string]bool{"actor-0": true, "actor-1": true, "actor-2": true}, admitted)

	_, err := e.svc.Resume(context.Background(), b.ID, "u1")
	require.NoError(t, err)

	v = e.waitStatus(t, b.ID, domain.BatchCompleted)
	assert.Equal(t, domain.Counts{Total: 10, Completed: 10}, v.Counts)
	assert.Equal(t, int64(400), v.Credits.Charged)
	assert.Equal(t, int64(600), e.available(t))
	assert.Equal(t, []domain.EventType{
		domain.EventBatchLaunched,
		domain.EventBatchPausedForReview,
		domain.EventBatchResumed,
		domain.EventBatchCompleted,
	}, e.eventTypes())
}

func TestLaunch_StagedSmallerThanTestRun(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b := e.launch(t, 2, true)
	assert.Equal(t, 2, b.TestRunSize)

	e.waitStatus(t, b.ID, domain.BatchPausedForReview)
	_, err := e.svc.Resume(context.Background(), b.ID, "u1")
	require.NoError(t, err)
	e.waitStatus(t, b.ID, domain.BatchCompleted)
}

func TestLaunch_Validation(t *testing.T) {
	e := newEnv(t, Config{TestRunSize: 3, Concurrency: 2, MaxRows: 5}, 0)

	tests := []struct {
		name     string
		req      LaunchRequest
		wantCode string
	}{
		{"no rows", LaunchRequest{OwnerID: "u1"}, apperrors.CodeValidationFailed},
		{"too many rows", LaunchRequest{OwnerID: "u1", Rows: rowSpecs(6)}, apperrors.CodeValidationFailed},
		{"row without units", LaunchRequest{OwnerID: "u1", Rows: []domain.RowSpec{{}}}, apperrors.CodeValidationFailed},
		{"blank prompt", LaunchRequest{OwnerID: "u1", Rows: []domain.RowSpec{{Units: []domain.UnitSpec{{Prompt: " "}}}}}, apperrors.CodeValidationFailed},
		{"unknown provider", LaunchRequest{OwnerID: "u1", Rows: rowSpecs(1), Config: domain.BaseConfig{Provider: "nope"}}, apperrors.CodeUnknownProvider},
		{"negative unit duration", LaunchRequest{OwnerID: "u1", Rows: []domain.RowSpec{{Units: []domain.UnitSpec{{Prompt: "a", DurationSeconds: -1}}}}}, apperrors.CodeValidationFailed},
		{"oversized unit duration", LaunchRequest{OwnerID: "u1", Rows: []domain.RowSpec{{Units: []domain.UnitSpec{{Prompt: "a", DurationSeconds: 1e16}}}}}, apperrors.CodeValidationFailed},
		{"oversized base duration", LaunchRequest{OwnerID: "u1", Rows: rowSpecs(1), Config: domain.BaseConfig{DurationSeconds: DefaultMaxUnitSeconds + 1}}, apperrors.CodeValidationFailed},
		{"NaN unit duration", LaunchRequest{OwnerID: "u1", Rows: []domain.RowSpec{{Units: []domain.UnitSpec{{Prompt: "a", DurationSeconds: math.NaN()}}}}}, apperrors.CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Launch(context.Background(), tt.req)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}

	batches, err := e.store.ListBatches(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestLaunch_PinsDefaultProvider(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b, err := e.svc.Launch(context.Background(), LaunchRequest{OwnerID: "u1", Rows: rowSpecs(1)})
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Config.Provider)
	assert.NotEmpty(t, b.Name)
	e.waitStatus(t, b.ID, domain.BatchCompleted)
}

func TestCountsBalancedAndConcurrencyBounded(t *testing.T) {
	e := newEnv(t, Config{TestRunSize: 3, Concurrency: 2}, 10000)
	e.mock.SetScript(func(provider.UnitRequest, int) provider.MockStep {
		return provider.MockStep{Polls: 3}
	})
	b := e.launch(t, 12, false)

	for {
		v := e.view(t, b.ID)
		c := v.Counts
		require.Equal(t, 12, c.Pending+c.InProgress+c.Completed+c.Failed, "counts %+v", c)
		require.LessOrEqual(t, c.InProgress, 2)
		if v.Batch.Status == domain.BatchCompleted {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreditExhaustedRowsFail(t *testing.T) {
	e := newEnv(t, Config{TestRunSize: 3, Concurrency: 1}, 100)
	b := e.launch(t, 4, false)

	v := e.waitStatus(t, b.ID, domain.BatchPartiallyFailed)
	assert.Equal(t, []domain.RowStatus{domain.RowCompleted, domain.RowCompleted, domain.RowFailed, domain.RowFailed}, rowStatuses(v))
	for _, r := range v.Rows[2:] {
		assert.Equal(t, domain.ErrKindCreditExhausted, r.ErrorKind)
		assert.Zero(t, e.netCharge(t, r.ID))
	}
	assert.Equal(t, int64(20), e.available(t))
	assert.Len(t, e.mock.Submitted(), 2)
}

func TestRetryFailed(t *testing.T) {
	e := newEnv(t, Config{TestRunSize: 3, Concurrency: 3}, 1000)
	fatal := provider.MockStep{SubmitErr: &provider.Error{Code: provider.CodeInvalidParams, Message: "bad prompt"}}
	e.mock.SetScript(func(req provider.UnitRequest, attempt int) provider.MockStep {
		switch {
		case req.Actor == "actor-2":
			return fatal
		case req.Actor == "actor-1" && attempt == 1:
			return fatal
		}
		return provider.MockStep{}
	})
	b := e.launch(t, 3, false)

	v := e.waitStatus(t, b.ID, domain.BatchPartiallyFailed)
	require.Equal(t, []domain.RowStatus{domain.RowCompleted, domain.RowFailed, domain.RowFailed}, rowStatuses(v))

	e.pools.setHold(true)
	_, retried, err := e.svc.RetryFailed(context.Background(), b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, retried)

	v = e.view(t, b.ID)
	assert.Equal(t, domain.BatchRunning, v.Batch.Status)
	assert.Equal(t, []domain.RowStatus{domain.RowCompleted, domain.RowPending, domain.RowPending}, rowStatuses(v))
	for _, r := range v.Rows[1:] {
		assert.Empty(t, r.ErrorKind)
		assert.Empty(t, r.ReservationID)
		assert.Zero(t, r.CreditsCharged)
	}

	require.Eventually(t, func() bool { return e.pools.heldCount() == 3 }, waitFor, time.Millisecond)
	e.pools.setHold(false)

	v = e.waitStatus(t, b.ID, domain.BatchPartiallyFailed)
	assert.Equal(t, []domain.RowStatus{domain.RowCompleted, domain.RowCompleted, domain.RowFailed}, rowStatuses(v))
	for _, r := range v.Rows {
		want := int64(0)
		if r.Status == domain.RowCompleted {
			want = r.CreditsCharged
		}
		assert.Equal(t, want, e.netCharge(t, r.ID), "row %d", r.Ordinal)
	}
	assert.Equal(t, int64(920), e.available(t))

	types := e.eventTypes()
	assert.Equal(t, domain.EventBatchPartiallyFailed, types[len(types)-1])

	// Settled for good once both retried rows are terminal.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.BatchPartiallyFailed, e.view(t, b.ID).Batch.Status)
	assert.Equal(t, types, e.eventTypes())
}

func TestRetryFailed_RejectsWrongState(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b := e.launch(t, 2, false)
	e.waitStatus(t, b.ID, domain.BatchCompleted)

	_, _, err := e.svc.RetryFailed(context.Background(), b.ID, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNothingToRetry), "got %v", err)

	b2 := e.launch(t, 4, true)
	e.waitStatus(t, b2.ID, domain.BatchPausedForReview)
	_, _, err = e.svc.RetryFailed(context.Background(), b2.ID, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidBatchState), "got %v", err)

	_, err = e.svc.Abort(context.Background(), b2.ID, "u1")
	require.NoError(t, err)
	_, _, err = e.svc.RetryFailed(context.Background(), b2.ID, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidBatchState), "retry after abort: %v", err)
}

func TestResume_RejectsWrongState(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b := e.launch(t, 1, false)
	e.waitStatus(t, b.ID, domain.BatchCompleted)

	_, err := e.svc.Resume(context.Background(), b.ID, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidBatchState), "got %v", err)

	_, err = e.svc.Resume(context.Background(), "missing", "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBatchNotFound), "got %v", err)
}

func TestAbort(t *testing.T) {
	e := newEnv(t, Config{TestRunSize: 3, Concurrency: 2}, 1000)
	hang := byActor("actor-2", "actor-3")
	e.mock.SetScript(func(req provider.UnitRequest, _ int) provider.MockStep {
		if hang(req) {
			return provider.MockStep{Hang: true}
		}
		return provider.MockStep{}
	})
	b := e.launch(t, 7, false)

	// Two rows complete, two hang in_progress, three stay pending.
	require.Eventually(t, func() bool {
		v := e.view(t, b.ID)
		if v.Counts.Completed != 2 || v.Counts.InProgress != 2 {
			return false
		}
		for _, r := range v.Rows {
			if r.Status == domain.RowInProgress && r.Units[0].JobID == "" {
				return false
			}
		}
		return true
	}, waitFor, time.Millisecond)
	assert.Equal(t, int64(1000-4*40), e.available(t))

	aborted, err := e.svc.Abort(context.Background(), b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, aborted.Status)

	v := e.view(t, b.ID)
	assert.Equal(t, domain.Counts{Total: 7, Completed: 2, Failed: 5}, v.Counts)
	for _, r := range v.Rows {
		switch r.Ordinal {
		case 0, 1:
			assert.Equal(t, domain.RowCompleted, r.Status)
			assert.Equal(t, int64(40), r.CreditsCharged)
			assert.Equal(t, int64(40), e.netCharge(t, r.ID))
		default:
			assert.Equal(t, domain.RowFailed, r.Status)
			assert.Equal(t, domain.ErrKindCancelled, r.ErrorKind)
			assert.Zero(t, e.netCharge(t, r.ID), "row %d", r.Ordinal)
			for _, u := range r.Units {
				assert.Equal(t, domain.UnitFailed, u.Status, "row %d unit %d", r.Ordinal, u.Ordinal)
				assert.Equal(t, domain.ErrKindCancelled, u.ErrorKind)
			}
		}
	}
	assert.Equal(t, int64(1000-2*40), e.available(t))

	require.Eventually(t, func() bool { return e.svc.Lanes(b.ID) == 0 }, waitFor, time.Millisecond)
	assert.Len(t, e.mock.Submitted(), 4, "no row starts after abort")
	assert.Subset(t, e.mock.Cancelled(), []string{"mock-job-3", "mock-job-4"})

	v = e.view(t, b.ID)
	assert.Equal(t, domain.BatchCancelled, v.Batch.Status)
	assert.Equal(t, domain.Counts{Total: 7, Completed: 2, Failed: 5}, v.Counts, "late results are discarded")

	_, err = e.svc.Abort(context.Background(), b.ID, "u1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidBatchState))
}

func TestAbort_PausedBatch(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	b := e.launch(t, 5, true)
	e.waitStatus(t, b.ID, domain.BatchPausedForReview)

	_, err := e.svc.Abort(context.Background(), b.ID, "u1")
	require.NoError(t, err)

	v := e.view(t, b.ID)
	assert.Equal(t, domain.Counts{Total: 5, Completed: 3, Failed: 2}, v.Counts)
	assert.Equal(t, int64(1000-3*40), e.available(t))
	assert.Contains(t, e.eventTypes(), domain.EventBatchCancelled)
}

func TestList(t *testing.T) {
	e := newEnv(t, defaultCfg, 1000)
	first := e.launch(t, 1, false)
	e.waitStatus(t, first.ID, domain.BatchCompleted)
	second := e.launch(t, 2, false)
	e.waitStatus(t, second.ID, domain.BatchCompleted)

	list, err := e.svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, 2, list[0].Counts.Completed)

	other, err := e.svc.List(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

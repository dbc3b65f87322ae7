package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/api/handlers"
	"reelbatch.io/orchestrator/internal/batch"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/executor"
	"reelbatch.io/orchestrator/internal/jobs"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// BatchModule wires the row executor and the batch state machine.
type BatchModule struct {
	infra    *Infrastructure
	executor *executor.Executor
	service  *batch.Service
}

func NewBatchModule(infra *Infrastructure) *BatchModule {
	cfg := infra.Config
	pricing := domain.Pricing{
		CreditsPerSecond:   cfg.Pricing.CreditsPerSecond,
		DefaultUnitSeconds: cfg.Pricing.DefaultUnitSeconds,
	}
	exec := executor.New(infra.Store, infra.Ledger, infra.Providers, pricing,
		executor.ConfigFrom(cfg.Executor),
		executor.WithCallbackHub(infra.Hub),
		executor.WithMetrics(infra.Metrics),
	)
	svc := batch.NewService(batch.Deps{
		Store:     infra.Store,
		Ledger:    infra.Ledger,
		Runner:    exec,
		Pools:     infra.Pools,
		Providers: infra.Providers,
		Events:    infra.Events,
		Metrics:   infra.Metrics,
		Pricing:   pricing,
		Locks:     infra.Locks,
	}, batch.ConfigFrom(cfg.Batch))
	return &BatchModule{infra: infra, executor: exec, service: svc}
}

func (m *BatchModule) Name() string { return "batch" }

// Service exposes the batch service to sibling modules.
func (m *BatchModule) Service() *batch.Service { return m.service }

func (m *BatchModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	deps.Batches = m.service
}

func (m *BatchModule) RegisterWorkers(workers *river.Workers) {
	river.AddWorker(workers, jobs.NewReconcileWorker(m.service))
}

func (m *BatchModule) PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{jobs.ReconcileJob(m.infra.Config.River.ReconcileInterval)}
}

// Start reconciles rows left in progress by a previous process.
func (m *BatchModule) Start(ctx context.Context) error {
	report, err := m.service.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info("Startup recovery finished", zap.Any("report", report))
	return nil
}

func (m *BatchModule) Shutdown(context.Context) error { return nil }

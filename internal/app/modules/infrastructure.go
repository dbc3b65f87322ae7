package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/eventbus"
	"reelbatch.io/orchestrator/internal/infrastructure"
	"reelbatch.io/orchestrator/internal/jobs"
	"reelbatch.io/orchestrator/internal/ledger"
	"reelbatch.io/orchestrator/internal/metrics"
	"reelbatch.io/orchestrator/internal/pkg/keylock"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/pkg/worker"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/repository/memory"
	"reelbatch.io/orchestrator/internal/repository/postgres"
	"reelbatch.io/orchestrator/internal/storage"
)

const providerHealthInterval = 60 * time.Second

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil with the memory driver.
	DB          *infrastructure.DatabaseClients
	RiverClient *river.Client[pgx.Tx]
	Pools       *worker.Pools
	Store       repository.Store
	Ledger      ledger.Ledger
	Bus         eventbus.Bus
	Events      *domain.EventDispatcher
	Metrics     *metrics.Metrics
	// Locks serializes writers of one batch: lanes, the executor gate,
	// control operations and stitching.
	Locks     *keylock.Map
	Artifacts storage.Store
	Providers *provider.Registry
	Hub       *provider.CallbackHub
	Health    *provider.HealthChecker
}

// NewInfrastructure initializes storage, pools and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{
		Config:  cfg,
		Events:  domain.NewEventDispatcher(),
		Metrics: metrics.New(),
		Locks:   &keylock.Map{},
	}

	if err := infra.initStore(ctx); err != nil {
		return nil, err
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		RowsPoolSize:    cfg.Worker.RowsPoolSize,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools
	infra.Metrics.RegisterPools(pools)

	if cfg.Redis.Addr != "" {
		bus, err := eventbus.NewRedisBus(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init event bus: %w", err)
		}
		infra.Bus = bus
	} else {
		infra.Bus = eventbus.NewMemoryBus()
	}
	infra.Events.RegisterAll(eventbus.Forwarder(infra.Bus))

	artifacts, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	infra.Artifacts = artifacts

	registry, err := newProviderRegistry(cfg.Provider)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Providers = registry
	infra.Hub = provider.NewCallbackHub(infra.Bus)
	infra.Health = provider.NewHealthChecker(registry, providerHealthInterval)

	return infra, nil
}

func (i *Infrastructure) initStore(ctx context.Context) error {
	if i.Config.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory storage; state is lost on restart")
		i.Store = memory.New()
		i.Ledger = ledger.NewMemoryLedger()
		return nil
	}

	db, err := infrastructure.NewDatabaseClients(ctx, i.Config.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if i.Config.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}
	i.DB = db
	i.Store = postgres.New(db.Pool)
	i.Ledger = ledger.NewPostgresLedger(db.Pool)
	return nil
}

// newProviderRegistry registers the mock provider always and the HTTP
// adapter when a base URL is configured.
func newProviderRegistry(cfg config.ProviderConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry(cfg.Default)
	registry.Register(provider.NewMockProvider())
	if cfg.HTTP.BaseURL != "" {
		p, err := provider.NewHTTPProvider(cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("init http provider: %w", err)
		}
		registry.Register(p)
	}
	if _, err := registry.Get(cfg.Default); err != nil {
		return nil, fmt.Errorf("default provider %q is not registered", cfg.Default)
	}
	logger.Info("Rendering providers registered", zap.Strings("providers", registry.Names()))
	return registry, nil
}

// InitRiver initializes the River client on top of a prepared worker registry.
// It is a no-op with the memory driver.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	queues := map[string]river.QueueConfig{
		jobs.QueueStitch: {MaxWorkers: i.Config.River.StitchWorkers},
	}
	if err := i.DB.InitRiverClient(workers, periodic, queues, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Health != nil {
		i.Health.Stop()
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Bus != nil {
		if err := i.Bus.Close(); err != nil {
			logger.Warn("Event bus close failed", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}

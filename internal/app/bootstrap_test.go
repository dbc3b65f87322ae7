package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Worker:   config.WorkerConfig{GeneralPoolSize: 4, RowsPoolSize: 4},
		Batch:    config.BatchConfig{TestRunSize: 3, Concurrency: 2, MaxRows: 100},
		Pricing:  config.PricingConfig{CreditsPerSecond: 1, DefaultUnitSeconds: 5},
		Provider: config.ProviderConfig{Default: "mock", CallbackSecret: "secret"},
		Storage:  config.StorageConfig{Driver: "local", Local: config.LocalStorage{Root: t.TempDir()}},
		Stitch:   config.StitchConfig{Composer: "manifest"},
		Security: config.SecurityConfig{JWTSigningKey: "bootstrap-test-key"},
	}
}

func TestBootstrap_NoDB(t *testing.T) {
	// Bootstrap without a reachable database should fail at DB connection.
	cfg := memoryConfig(t)
	cfg.Database = config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Host:     "localhost",
		Port:     65432, // Non-existent port
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}

	app, err := Bootstrap(context.Background(), cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestBootstrap_MemoryDriver(t *testing.T) {
	ctx := context.Background()
	app, err := Bootstrap(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer app.Shutdown(ctx)

	assert.NotNil(t, app.Router)
	assert.Nil(t, app.Infra.RiverClient, "memory driver runs without River")

	names := make([]string, 0, len(app.Modules))
	for _, mod := range app.Modules {
		names = append(names, mod.Name())
	}
	assert.Equal(t, []string{"governance", "batch", "stitch"}, names)

	require.NoError(t, app.Start(ctx))
}

func TestBootstrap_UnknownDefaultProvider(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Provider.Default = "missing"

	app, err := Bootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, app)
}

func TestApplication_Shutdown_Nil(t *testing.T) {
	// Shutdown on empty application should not panic.
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown(context.Background())
	}, "Shutdown on empty Application should not panic")
}

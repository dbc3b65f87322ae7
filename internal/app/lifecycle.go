package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// Start starts all background services: callback fan-in, provider health
// probes, module startup hooks and River workers.
func (a *Application) Start(ctx context.Context) error {
	infra := a.Infra
	// Long-lived subscribers use the pool service context so Shutdown stops them.
	serviceCtx := infra.Pools.Context()
	if err := infra.Hub.Start(serviceCtx); err != nil {
		return fmt.Errorf("start callback hub: %w", err)
	}
	infra.Health.Start(serviceCtx)

	for _, mod := range a.Modules {
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}

	if infra.RiverClient != nil {
		if err := infra.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown(ctx context.Context) {
	infra := a.Infra
	if infra == nil {
		return
	}

	if infra.RiverClient != nil {
		if err := infra.RiverClient.Stop(ctx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	infra.Close()
}

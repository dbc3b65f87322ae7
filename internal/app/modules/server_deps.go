package modules

import (
	"reelbatch.io/orchestrator/internal/api/handlers"
	"reelbatch.io/orchestrator/internal/config"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(cfg *config.Config, infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Ledger:         infra.Ledger,
		Store:          infra.Store,
		Events:         infra.Events,
		Callbacks:      infra.Hub,
		CallbackSecret: cfg.Provider.CallbackSecret,
		ProviderHealth: infra.Health,
	}
	if infra.DB != nil {
		deps.Checks = append(deps.Checks, handlers.Check{Name: "database", Probe: infra.DB.Pool.Ping})
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}

// Package modules contains the domain-oriented dependency modules wired by
// the composition root.
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"reelbatch.io/orchestrator/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// PeriodicJobs returns the module's scheduled River jobs.
	PeriodicJobs() []*river.PeriodicJob

	// Start runs after River is initialized, before the server accepts traffic.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

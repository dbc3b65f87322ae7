package modules

import (
	"context"

	"github.com/riverqueue/river"

	"reelbatch.io/orchestrator/internal/api/handlers"
	"reelbatch.io/orchestrator/internal/governance/audit"
	"reelbatch.io/orchestrator/internal/jobs"
	"reelbatch.io/orchestrator/internal/notification"
)

// GovernanceModule owns the audit trail and the notification inbox. Both are
// event subscribers, so the module contributes no HTTP deps of its own.
type GovernanceModule struct {
	infra *Infrastructure
	audit *audit.Logger
}

func NewGovernanceModule(infra *Infrastructure) *GovernanceModule {
	auditLogger := audit.NewLogger(infra.Store)
	auditLogger.Register(infra.Events)
	notification.NewTriggers(notification.NewInboxSender(infra.Store)).Register(infra.Events)
	return &GovernanceModule{infra: infra, audit: auditLogger}
}

func (m *GovernanceModule) Name() string { return "governance" }

func (m *GovernanceModule) ContributeServerDeps(_ *handlers.ServerDeps) {}

func (m *GovernanceModule) RegisterWorkers(workers *river.Workers) {
	river.AddWorker(workers, jobs.NewNotificationCleanupWorker(m.infra.Store, jobs.DefaultNotificationRetention))
}

func (m *GovernanceModule) PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{jobs.NotificationCleanupJob()}
}

func (m *GovernanceModule) Start(context.Context) error { return nil }

func (m *GovernanceModule) Shutdown(context.Context) error { return nil }

package modules

import (
	"context"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/api/handlers"
	"reelbatch.io/orchestrator/internal/jobs"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/stitch"
)

// StitchModule wires the stitch coordinator and its dispatcher.
type StitchModule struct {
	infra       *Infrastructure
	coordinator *stitch.Coordinator
}

func NewStitchModule(infra *Infrastructure) *StitchModule {
	cfg := infra.Config.Stitch
	var composer stitch.Composer = stitch.ManifestComposer{}
	if cfg.Composer == "ffmpeg" {
		composer = stitch.NewFFmpegComposer(cfg.FFmpegPath, cfg.WorkDir)
	}
	coord := stitch.NewCoordinator(stitch.Deps{
		Store:     infra.Store,
		Locks:     infra.Locks,
		Composer:  composer,
		Artifacts: infra.Artifacts,
		Events:    infra.Events,
		Metrics:   infra.Metrics,
	})
	// Replaced by the River dispatcher in Start when River is available.
	coord.SetDispatcher(stitch.NewPoolDispatcher(infra.Pools, coord.Run))
	return &StitchModule{infra: infra, coordinator: coord}
}

func (m *StitchModule) Name() string { return "stitch" }

func (m *StitchModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	deps.Stitcher = m.coordinator
}

func (m *StitchModule) RegisterWorkers(workers *river.Workers) {
	river.AddWorker(workers, jobs.NewStitchWorker(m.coordinator, m.infra.Config.Stitch.Timeout))
}

func (m *StitchModule) PeriodicJobs() []*river.PeriodicJob { return nil }

func (m *StitchModule) Start(context.Context) error {
	if m.useRiver() {
		m.coordinator.SetDispatcher(jobs.NewRiverDispatcher(m.infra.RiverClient))
	}
	logger.Info("Stitch dispatcher selected", zap.Bool("river", m.useRiver()))
	return nil
}

func (m *StitchModule) useRiver() bool {
	if m.infra.RiverClient == nil {
		return false
	}
	return m.infra.Config.Stitch.Dispatcher != "pool"
}

func (m *StitchModule) Shutdown(context.Context) error { return nil }

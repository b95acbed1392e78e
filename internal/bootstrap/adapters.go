package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/adapters/queue"
	"github.com/phip-platform/simcoord/internal/adapters/reaper"
	"github.com/phip-platform/simcoord/internal/adapters/simrunner"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
)

// WorkerRuntimeConfig contains configuration for the simulation worker.
type WorkerRuntimeConfig struct {
	Services ServiceContainer
	Config   config.WorkerConfig
	Logger   *slog.Logger
}

// RunWorker starts the simulation worker runtime.
func RunWorker(ctx context.Context, cfg WorkerRuntimeConfig) error {
	var ids queue.IDSource
	if cfg.Services.Queue != nil {
		ids = cfg.Services.Queue
	}

	runner, err := simrunner.NewRunner(simrunner.RunnerOptions{
		Coordinator: cfg.Services.Coordinator,
		Engines:     cfg.Services.Engines,
		IDs:         ids,
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		Metrics:     metricsSink(cfg.Services),
	})
	if err != nil {
		return fmt.Errorf("create simulation runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperRuntimeConfig contains configuration for the reaper.
type ReaperRuntimeConfig struct {
	Services ServiceContainer
	Config   config.ReaperConfig
	Logger   *slog.Logger
}

// RunReaper starts the stuck-simulation reaper.
func RunReaper(ctx context.Context, cfg ReaperRuntimeConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Store:       cfg.Services.Store,
		Coordinator: cfg.Services.Coordinator,
		Config:      cfg.Config,
		Logger:      cfg.Logger,
		Metrics:     metricsSink(cfg.Services),
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}

// metricsSink returns the shared sink as the interface type, keeping nil
// checks simple for components that treat metrics as optional.
func metricsSink(services ServiceContainer) statsd.Sink {
	if services.Observability.MetricsSink == nil {
		return nil
	}
	return services.Observability.MetricsSink
}

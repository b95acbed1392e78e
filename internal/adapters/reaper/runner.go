// Package reaper provides the adapter for running the stuck-simulation
// reaper as a service mode.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
	"github.com/phip-platform/simcoord/internal/service"
)

// Runner wires the reaper service to its store and coordinator and runs
// the sweep loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Store       core.SimulationStore
	Coordinator *service.Coordinator
	Config      config.ReaperConfig
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("simulation store is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Store:       opts.Store,
		Coordinator: opts.Coordinator,
		Config:      opts.Config,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper: reaper,
		logger: opts.Logger,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

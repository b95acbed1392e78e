package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
	"github.com/phip-platform/simcoord/internal/observability/metrics"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Store        core.SimulationStore // Required: store for scanning running rows
	Coordinator  *Coordinator         // Required: coordinator for version-checked failing
	Config       config.ReaperConfig  // Required: reaper configuration
	Logger       *slog.Logger         // Optional: structured logger
	Metrics      statsd.Sink          // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider    // Optional: override system clock
}

// ReaperService force-fails simulations that have been running past the
// configured deadline, typically because their worker died mid-run.
//
// The sweep uses the same version-checked transition as every other
// mutation, so a worker finishing at the same instant safely wins or loses
// the race; the loser simply observes the record has moved on.
type ReaperService struct {
	store        core.SimulationStore
	coordinator  *Coordinator
	config       config.ReaperConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Store == nil {
		return nil, errors.New("SimulationStore is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("Coordinator is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", cfg.Interval,
			"running_deadline", cfg.RunningDeadline,
		)
	}

	return &ReaperService{
		store:        opts.Store,
		coordinator:  opts.Coordinator,
		config:       cfg,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service",
			"interval", s.config.Interval,
			"running_deadline", s.config.RunningDeadline,
		)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
				// Continue running despite errors
			}
		}
	}
}

// Sweep performs one pass over stuck running simulations and force-fails
// them. Returns how many records were reaped.
func (s *ReaperService) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.timeProvider.Now().Add(-s.config.RunningDeadline)

	var total int64
	for {
		reapedInBatch, more, err := s.sweepBatch(ctx, cutoff)
		total += reapedInBatch
		if err != nil {
			s.emitSweepMetrics(total, err)
			return total, err
		}
		if !more || reapedInBatch == 0 {
			break
		}
		if ctx.Err() != nil {
			s.emitSweepMetrics(total, ctx.Err())
			return total, ctx.Err()
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "reaped stuck simulations",
			"count", total,
			"running_deadline", s.config.RunningDeadline,
		)
	}

	s.emitSweepMetrics(total, nil)
	return total, nil
}

// sweepBatch fails one batch of stuck rows. The bool reports whether the
// batch was full, meaning another round may find more work.
func (s *ReaperService) sweepBatch(ctx context.Context, cutoff time.Time) (int64, bool, error) {
	stuck, err := s.store.ListRunning(ctx, core.ListRunningParams{
		StartedBefore: cutoff,
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return 0, false, fmt.Errorf("list stuck simulations: %w", err)
	}
	if len(stuck) == 0 {
		return 0, false, nil
	}

	var reaped int64
	for _, rec := range stuck {
		if ctx.Err() != nil {
			return reaped, false, ctx.Err()
		}
		if s.reapOne(ctx, rec) {
			reaped++
		}
	}

	return reaped, len(stuck) == s.config.BatchSize, nil
}

// reapOne force-fails a single stuck simulation. A conflict means the worker
// (or a cancel) got there first, which is the preferred outcome.
func (s *ReaperService) reapOne(ctx context.Context, rec *model.SimulationRecord) bool {
	_, err := s.coordinator.Fail(ctx, FailParams{
		ID:      rec.ID,
		Version: rec.Version,
		ErrorInfo: model.ErrorInfo{
			Message: fmt.Sprintf("exceeded running deadline of %s", s.config.RunningDeadline),
		},
	})
	if err == nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "force-failed stuck simulation",
				"id", rec.ID,
				"worker_ref", derefString(rec.WorkerRef),
				"started_at", rec.StartedAt,
			)
		}
		return true
	}

	if apperrors.IsConflict(err) || apperrors.IsInvalidTransition(err) || apperrors.IsNotFound(err) {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "stuck simulation resolved before reaping",
				"id", rec.ID,
				"error", err,
			)
		}
		return false
	}

	if s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to reap stuck simulation",
			"id", rec.ID,
			"error", err,
		)
	}
	return false
}

func (s *ReaperService) emitSweepMetrics(reaped int64, err error) {
	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case reaped == 0:
		result = metrics.ResultNoop
	}
	metrics.EmitReaperSweep(s.metrics, reaped, result)
}

func (s *ReaperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package simrunner hosts the worker runtime: it pulls simulation ids,
// claims them through the coordinator, executes the matching engine, and
// records exactly one terminal outcome per claim.
package simrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/adapters/queue"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/domain/model"
	"github.com/phip-platform/simcoord/internal/engine"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
	obserrors "github.com/phip-platform/simcoord/internal/observability/errors"
	"github.com/phip-platform/simcoord/internal/observability/metrics"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
	"github.com/phip-platform/simcoord/internal/service"
)

// RunnerOptions configures the simulation worker runtime.
type RunnerOptions struct {
	Coordinator *service.Coordinator // Required: lifecycle coordinator
	Engines     *engine.Registry     // Required: engine per model type
	IDs         queue.IDSource       // Optional: wake-up source; nil means store polling only
	Config      config.WorkerConfig  // Required: worker settings
	Logger      *slog.Logger         // Optional: structured logger
	Metrics     statsd.Sink          // Optional: metrics sink (StatsD-compatible)

	// TimeProvider overrides the system clock in tests.
	TimeProvider data.TimeProvider
}

// Runner claims and executes simulations until its context is cancelled.
//
// A dequeued or scanned id is only a hint; ownership is decided by the
// claim's version check, so duplicate deliveries and competing runners
// are safe. Each won claim produces exactly one terminal transition.
type Runner struct {
	coordinator  *service.Coordinator
	engines      *engine.Registry
	ids          queue.IDSource
	config       config.WorkerConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// resultEnvelope wraps an engine's output with execution metadata.
type resultEnvelope struct {
	Output      json.RawMessage `json:"output"`
	ExecutionMS int64           `json:"execution_ms"`
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("Coordinator is required")
	}
	if opts.Engines == nil {
		return nil, errors.New("engine Registry is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "sim_runner", "node", cfg.NodeName)
	}

	return &Runner{
		coordinator:  opts.Coordinator,
		engines:      opts.Engines,
		ids:          opts.IDs,
		config:       cfg,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
	}, nil
}

// Run starts the worker pool and blocks until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting simulation runner",
			"concurrency", r.config.Concurrency,
			"queue_enabled", r.ids != nil,
		)
	}

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Concurrency; i++ {
		group.Go(func() error { return r.workerLoop(gctx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop alternates between queue wake-ups and periodic store scans.
// The scan covers ids whose queue delivery was lost and deployments with
// no queue at all.
func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		progressed, err := r.nextRound(ctx)
		if err != nil {
			if isContextErr(err) {
				return err
			}
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "worker round failed", "error", err)
			}
			progressed = false
		}

		if !progressed && r.ids == nil {
			if !sleepCtx(ctx, r.config.PollInterval) {
				return ctx.Err()
			}
		}
	}
	return ctx.Err()
}

// nextRound performs one unit of work. The bool reports whether anything
// was attempted, so the caller knows when to back off.
func (r *Runner) nextRound(ctx context.Context) (bool, error) {
	if r.ids != nil {
		id, ok, err := r.ids.Next(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			r.attempt(ctx, id)
			return true, nil
		}
		// Queue was idle for a full wait period; sweep the store for
		// pending rows the queue never delivered.
		return r.scanPending(ctx)
	}

	return r.scanPending(ctx)
}

// scanPending claims and runs pending simulations straight from the store.
func (r *Runner) scanPending(ctx context.Context) (bool, error) {
	candidates, err := r.coordinator.PendingCandidates(ctx, r.config.ClaimBatchSize)
	if err != nil {
		return false, err
	}

	var attempted bool
	for _, rec := range candidates {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		r.attempt(ctx, rec.ID)
		attempted = true
	}
	return attempted, nil
}

// attempt tries to claim one simulation and runs it if the claim wins.
// A lost claim is abandoned silently; another worker owns the record.
func (r *Runner) attempt(ctx context.Context, id string) {
	claimed, won, err := r.coordinator.Claim(ctx, service.ClaimParams{
		ID:         id,
		WorkerNode: r.config.NodeName,
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Queue entries can outlive their rows in dev resets.
			if r.logger != nil {
				r.logger.DebugContext(ctx, "dequeued simulation no longer exists", "id", id)
			}
			return
		}
		if r.logger != nil && !isContextErr(err) {
			r.logger.ErrorContext(ctx, "claim attempt failed", "id", id, "error", err)
		}
		return
	}
	if !won {
		return
	}

	r.execute(ctx, claimed)
}

// execute runs the engine for a claimed simulation and records exactly one
// terminal outcome, even when the engine panics.
func (r *Runner) execute(ctx context.Context, rec *model.SimulationRecord) {
	start := r.timeProvider.Now()

	if r.logger != nil {
		r.logger.InfoContext(ctx, "executing simulation",
			"id", rec.ID,
			"model_type", rec.ModelType,
			"version", rec.Version,
		)
	}

	finalized := false
	finalize := func(output json.RawMessage, execErr error) {
		if finalized {
			return
		}
		finalized = true
		r.finalize(ctx, rec, output, execErr, r.timeProvider.Now().Sub(start))
	}
	defer func() {
		if p := recover(); p != nil {
			finalize(nil, fmt.Errorf("engine panic: %v", p))
		}
	}()

	eng, err := r.engines.Resolve(rec.ModelType)
	if err != nil {
		finalize(nil, err)
		return
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	r.watchForCancellation(ctx, runCtx, rec.ID, stopRun)

	output, err := eng.Execute(runCtx, rec)
	finalize(output, err)
}

// finalize records the terminal outcome of one engine run. A conflict here
// means the record moved while we ran (cancel or reaper); the run's result
// is discarded and the record's current state stands.
func (r *Runner) finalize(
	ctx context.Context,
	rec *model.SimulationRecord,
	output json.RawMessage,
	execErr error,
	elapsed time.Duration,
) {
	if execErr == nil {
		r.finalizeSuccess(ctx, rec, output, elapsed)
		return
	}

	if isContextErr(execErr) {
		if ctx.Err() != nil {
			// Worker shutdown mid-run. The record stays running and the
			// reaper reclaims it once the deadline passes.
			if r.logger != nil {
				r.logger.WarnContext(ctx, "abandoning simulation on shutdown", "id", rec.ID)
			}
			r.emitExecution(rec, metrics.ResultNoop, elapsed)
			return
		}
		if r.recordWasCancelled(ctx, rec.ID) {
			if r.logger != nil {
				r.logger.InfoContext(ctx, "simulation cancelled mid-run",
					"id", rec.ID,
					"elapsed", elapsed,
				)
			}
			r.emitExecution(rec, metrics.ResultNoop, elapsed)
			return
		}
	}

	r.finalizeFailure(ctx, rec, execErr, elapsed)
}

func (r *Runner) finalizeSuccess(
	ctx context.Context,
	rec *model.SimulationRecord,
	output json.RawMessage,
	elapsed time.Duration,
) {
	envelope, err := json.Marshal(resultEnvelope{
		Output:      output,
		ExecutionMS: elapsed.Milliseconds(),
	})
	if err != nil {
		r.finalizeFailure(ctx, rec, fmt.Errorf("marshal result: %w", err), elapsed)
		return
	}

	_, err = r.coordinator.Complete(ctx, service.CompleteParams{
		ID:      rec.ID,
		Version: rec.Version,
		Result:  envelope,
	})
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.InfoContext(ctx, "simulation completed",
				"id", rec.ID,
				"elapsed", elapsed,
			)
		}
		r.emitExecution(rec, metrics.ResultSuccess, elapsed)
	case apperrors.IsConflict(err) || apperrors.IsInvalidTransition(err):
		if r.logger != nil {
			r.logger.WarnContext(ctx, "simulation moved before completion could be recorded",
				"id", rec.ID,
				"error", err,
			)
		}
		r.emitExecution(rec, metrics.ResultConflict, elapsed)
	default:
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "failed to record simulation completion",
				"id", rec.ID,
				"error", err,
			)
		}
		r.emitExecution(rec, metrics.ResultError, elapsed)
	}
}

func (r *Runner) finalizeFailure(
	ctx context.Context,
	rec *model.SimulationRecord,
	execErr error,
	elapsed time.Duration,
) {
	if r.logger != nil {
		r.logger.ErrorContext(ctx, "simulation execution failed",
			"id", rec.ID,
			"model_type", rec.ModelType,
			"error", execErr,
		)
	}

	detail, _ := json.Marshal(map[string]string{
		"error_class": obserrors.Classify(execErr),
		"worker_node": r.config.NodeName,
	})

	_, err := r.coordinator.Fail(ctx, service.FailParams{
		ID:      rec.ID,
		Version: rec.Version,
		ErrorInfo: model.ErrorInfo{
			Message: execErr.Error(),
			Detail:  detail,
		},
	})
	switch {
	case err == nil:
		r.emitExecution(rec, metrics.ResultError, elapsed)
	case apperrors.IsConflict(err) || apperrors.IsInvalidTransition(err):
		if r.logger != nil {
			r.logger.WarnContext(ctx, "simulation moved before failure could be recorded",
				"id", rec.ID,
				"error", err,
			)
		}
		r.emitExecution(rec, metrics.ResultConflict, elapsed)
	default:
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "failed to record simulation failure",
				"id", rec.ID,
				"error", err,
			)
		}
		r.emitExecution(rec, metrics.ResultError, elapsed)
	}
}

// watchForCancellation polls the record while the engine runs and stops the
// run when the record has been cancelled. The watcher exits with runCtx.
func (r *Runner) watchForCancellation(
	ctx context.Context,
	runCtx context.Context,
	id string,
	stopRun context.CancelFunc,
) {
	go func() {
		ticker := time.NewTicker(r.config.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if r.recordWasCancelled(ctx, id) {
					if r.logger != nil {
						r.logger.InfoContext(ctx, "cancellation observed, stopping engine", "id", id)
					}
					stopRun()
					return
				}
			}
		}
	}()
}

func (r *Runner) recordWasCancelled(ctx context.Context, id string) bool {
	rec, err := r.coordinator.Get(ctx, id)
	if err != nil {
		return false
	}
	return rec.Cancelled()
}

func (r *Runner) emitExecution(rec *model.SimulationRecord, result string, elapsed time.Duration) {
	metrics.EmitExecution(r.metrics, metrics.ExecutionMetric{
		ModelType: string(rec.ModelType),
		Result:    result,
		Duration:  elapsed,
	})
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepCtx waits for d or until ctx is done. Returns false when ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

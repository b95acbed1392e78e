package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/domain/lifecycle"
	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
	"github.com/phip-platform/simcoord/internal/observability/metrics"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
)

// CoordinatorOptions groups dependencies for Coordinator.
type CoordinatorOptions struct {
	Store        core.SimulationStore // Required: simulation store
	Logger       *slog.Logger         // Optional: structured logger
	Metrics      statsd.Sink          // Optional: metrics sink
	TimeProvider data.TimeProvider    // Optional: override system clock
}

// Coordinator owns every lifecycle transition of a simulation record.
//
// All mutations go through one conditional-update path: load the record,
// validate the requested transition against the lifecycle rules, then attempt
// a single version-checked write. A lost version race is never retried here;
// callers decide whether losing matters.
type Coordinator struct {
	store        core.SimulationStore
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewCoordinator constructs a new Coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("SimulationStore is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "coordinator")
	}

	return &Coordinator{
		store:        opts.Store,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
	}, nil
}

// MustNewCoordinator constructs a new Coordinator and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewCoordinator(opts CoordinatorOptions) *Coordinator {
	svc, err := NewCoordinator(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create Coordinator: %v", err))
	}
	return svc
}

// Submit enqueues a new pending simulation.
func (s *Coordinator) Submit(ctx context.Context, req model.CreateSimulationRequest) (*model.SimulationRecord, error) {
	rec, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit simulation: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "simulation submitted",
			"id", rec.ID,
			"model_type", rec.ModelType,
		)
	}

	return rec, nil
}

// ClaimParams identifies the record a worker wants to own.
type ClaimParams struct {
	ID         string
	WorkerNode string
}

// Claim attempts to take ownership of a pending simulation.
//
// The returned bool reports whether this caller won. Losing is routine: the
// record may already be running, finished, cancelled, or another worker may
// have won the version race in the same instant. None of those are errors.
func (s *Coordinator) Claim(ctx context.Context, params ClaimParams) (*model.SimulationRecord, bool, error) {
	rec, err := s.loadRecord(ctx, params.ID)
	if err != nil {
		return nil, false, err
	}

	if !lifecycle.ValidateTransition(rec.Status, model.StatusRunning) {
		// Already running means another worker holds the claim; a terminal
		// record is just a stale queue entry, not contention.
		if rec.Status == model.StatusRunning {
			metrics.EmitClaimContention(s.metrics, string(rec.ModelType))
		}
		if s.logger != nil {
			s.logger.DebugContext(ctx, "simulation not claimable",
				"id", rec.ID,
				"status", rec.Status,
			)
		}
		return nil, false, nil
	}

	workerRef := model.NewWorkerRef(params.WorkerNode)
	now := s.timeProvider.Now()
	running := model.StatusRunning

	newVersion, err := s.transition(ctx, transitionParams{
		record:     rec,
		target:     running,
		transition: "claim",
		changes: core.RecordChanges{
			Status:    &running,
			WorkerRef: &workerRef,
			StartedAt: &now,
		},
	})
	if apperrors.IsConflict(err) {
		metrics.EmitClaimContention(s.metrics, string(rec.ModelType))
		if s.logger != nil {
			s.logger.DebugContext(ctx, "lost claim race",
				"id", rec.ID,
				"version", rec.Version,
			)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	claimed := *rec
	claimed.Status = model.StatusRunning
	claimed.WorkerRef = &workerRef
	claimed.StartedAt = &now
	claimed.Version = newVersion

	if s.logger != nil {
		s.logger.InfoContext(ctx, "simulation claimed",
			"id", rec.ID,
			"worker_ref", workerRef,
			"version", newVersion,
		)
	}

	return &claimed, true, nil
}

// CompleteParams finalizes a running simulation with its result payload.
type CompleteParams struct {
	ID      string
	Version int64
	Result  json.RawMessage
}

// Complete moves a running simulation to completed, recording its result.
// Version must be the version the caller claimed at (or last observed); a
// mismatch means someone else touched the record and surfaces as a conflict.
func (s *Coordinator) Complete(ctx context.Context, params CompleteParams) (int64, error) {
	rec, err := s.loadRecord(ctx, params.ID)
	if err != nil {
		return 0, err
	}
	// A stale caller version means the record moved on after the caller last
	// saw it, even when that left it in a terminal status. Skip the status
	// check and let the conditional write report the conflict: a worker
	// finishing after a reaper force-fail must see a conflict, not an
	// invalid transition.
	if rec.Version == params.Version {
		if err := s.validate(ctx, rec, model.StatusCompleted); err != nil {
			return 0, err
		}
	}

	completed := model.StatusCompleted
	now := s.timeProvider.Now()
	result := params.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}

	return s.transitionAt(ctx, rec, params.Version, transitionParams{
		record:     rec,
		target:     completed,
		transition: "complete",
		changes: core.RecordChanges{
			Status:      &completed,
			Result:      result,
			CompletedAt: &now,
		},
	})
}

// FailParams finalizes a running simulation with error information.
type FailParams struct {
	ID        string
	Version   int64
	ErrorInfo model.ErrorInfo
}

// Fail moves a running simulation to failed, recording what went wrong.
func (s *Coordinator) Fail(ctx context.Context, params FailParams) (int64, error) {
	if params.ErrorInfo.Message == "" {
		return 0, apperrors.Validation("error message required")
	}

	rec, err := s.loadRecord(ctx, params.ID)
	if err != nil {
		return 0, err
	}
	// Same stale-version rule as Complete: conflicts outrank status checks.
	if rec.Version == params.Version {
		if err := s.validate(ctx, rec, model.StatusFailed); err != nil {
			return 0, err
		}
	}

	failed := model.StatusFailed
	now := s.timeProvider.Now()
	info := params.ErrorInfo

	return s.transitionAt(ctx, rec, params.Version, transitionParams{
		record:     rec,
		target:     failed,
		transition: "fail",
		changes: core.RecordChanges{
			Status:      &failed,
			ErrorInfo:   &info,
			CompletedAt: &now,
		},
	})
}

// CancelParams requests cancellation of a simulation.
type CancelParams struct {
	ID     string
	Reason string
}

// Cancel moves a pending or running simulation to cancelled. Running workers
// observe the new status on their next poll and stop cooperatively; this call
// does not wait for them.
func (s *Coordinator) Cancel(ctx context.Context, params CancelParams) (*model.SimulationRecord, error) {
	rec, err := s.loadRecord(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, rec, model.StatusCancelled); err != nil {
		return nil, err
	}

	cancelled := model.StatusCancelled
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	now := s.timeProvider.Now()

	changes := core.RecordChanges{
		Status:       &cancelled,
		CancelReason: &reason,
	}
	// A simulation cancelled mid-run still records when work stopped.
	if rec.Status == model.StatusRunning {
		changes.CompletedAt = &now
	}

	newVersion, err := s.transition(ctx, transitionParams{
		record:     rec,
		target:     cancelled,
		transition: "cancel",
		changes:    changes,
	})
	if err != nil {
		return nil, err
	}

	out := *rec
	out.Status = model.StatusCancelled
	out.CancelReason = &reason
	out.Version = newVersion
	if rec.Status == model.StatusRunning {
		out.CompletedAt = &now
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "simulation cancelled",
			"id", rec.ID,
			"reason", reason,
			"was_running", rec.Status == model.StatusRunning,
		)
	}

	return &out, nil
}

// Get returns a snapshot of a simulation record.
func (s *Coordinator) Get(ctx context.Context, id string) (*model.SimulationRecord, error) {
	return s.loadRecord(ctx, id)
}

// PendingCandidates returns pending simulations for workers to attempt to
// claim, oldest first.
func (s *Coordinator) PendingCandidates(ctx context.Context, limit int) ([]*model.SimulationRecord, error) {
	recs, err := s.store.ListByStatus(ctx, model.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending simulations: %w", err)
	}
	return recs, nil
}

// Stats returns counts of simulations per lifecycle state.
func (s *Coordinator) Stats(ctx context.Context) (*model.SimulationStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get simulation stats: %w", err)
	}
	return stats, nil
}

func (s *Coordinator) loadRecord(ctx context.Context, id string) (*model.SimulationRecord, error) {
	if id == "" {
		return nil, apperrors.Validation("simulation id is required")
	}

	rec, err := s.store.GetByID(ctx, id)
	if errors.Is(err, data.ErrSimulationNotFound) || apperrors.IsNotFound(err) {
		return nil, apperrors.NotFoundf("simulation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load simulation %s: %w", id, err)
	}
	return rec, nil
}

func (s *Coordinator) validate(ctx context.Context, rec *model.SimulationRecord, target model.SimulationStatus) error {
	if lifecycle.ValidateTransition(rec.Status, target) {
		return nil
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "invalid lifecycle transition requested",
			"id", rec.ID,
			"from", rec.Status,
			"to", target,
		)
	}
	return apperrors.InvalidTransitionf("cannot move simulation %s from %s to %s", rec.ID, rec.Status, target)
}

// transitionParams carries one validated transition attempt to the store.
type transitionParams struct {
	record     *model.SimulationRecord
	target     model.SimulationStatus
	transition string
	changes    core.RecordChanges
}

// transition attempts the conditional write using the loaded record's version.
func (s *Coordinator) transition(ctx context.Context, p transitionParams) (int64, error) {
	return s.transitionAt(ctx, p.record, p.record.Version, p)
}

// transitionAt attempts the conditional write against an explicit expected
// version. This is the only place a lifecycle mutation reaches the store.
func (s *Coordinator) transitionAt(
	ctx context.Context,
	rec *model.SimulationRecord,
	expectedVersion int64,
	p transitionParams,
) (int64, error) {
	start := s.timeProvider.Now()

	newVersion, won, err := s.store.ConditionalUpdate(ctx, rec.ID, expectedVersion, p.changes)
	if err != nil {
		metrics.EmitTransition(s.metrics, metrics.TransitionMetric{
			ModelType:  string(rec.ModelType),
			Transition: p.transition,
			Result:     metrics.ResultError,
			Err:        err,
		})
		return 0, fmt.Errorf("%s simulation %s: %w", p.transition, rec.ID, err)
	}

	if !won {
		metrics.EmitTransition(s.metrics, metrics.TransitionMetric{
			ModelType:  string(rec.ModelType),
			Transition: p.transition,
			Result:     metrics.ResultConflict,
		})
		if s.logger != nil && p.transition != "claim" {
			s.logger.ErrorContext(ctx, "concurrent modification detected",
				"id", rec.ID,
				"transition", p.transition,
				"expected_version", expectedVersion,
			)
		}
		return 0, apperrors.Conflictf(
			"simulation %s was modified concurrently (expected version %d)", rec.ID, expectedVersion)
	}

	metrics.EmitTransition(s.metrics, metrics.TransitionMetric{
		ModelType:  string(rec.ModelType),
		Transition: p.transition,
		Result:     metrics.ResultSuccess,
		Duration:   s.timeProvider.Now().Sub(start),
	})

	if s.logger != nil {
		s.logger.DebugContext(ctx, "lifecycle transition applied",
			"id", rec.ID,
			"transition", p.transition,
			"to", p.target,
			"version", newVersion,
		)
	}

	return newVersion, nil
}

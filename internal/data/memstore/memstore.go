// Package memstore provides an in-memory SimulationStore used by tests and
// single-process deployments. It honours the same conditional-update contract
// as the Postgres store.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
)

// Store is a mutex-guarded map of simulation records keyed by id.
type Store struct {
	mu           sync.Mutex
	records      map[string]*model.SimulationRecord
	timeProvider data.TimeProvider
}

var _ core.SimulationStore = (*Store)(nil)

// Options configures a Store.
type Options struct {
	TimeProvider data.TimeProvider
}

// New creates an empty Store.
func New(opts Options) *Store {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &Store{
		records:      make(map[string]*model.SimulationRecord),
		timeProvider: tp,
	}
}

// Create inserts a new pending simulation.
func (s *Store) Create(_ context.Context, req model.CreateSimulationRequest) (*model.SimulationRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "create simulation")
	}

	now := s.timeProvider.Now()
	rec := &model.SimulationRecord{
		ID:         uuid.NewString(),
		ModelType:  req.ModelType,
		Status:     model.StatusPending,
		Version:    model.InitialVersion,
		Parameters: cloneRaw(req.Parameters),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return cloneRecord(rec), nil
}

// GetByID returns a snapshot of the record, or data.ErrSimulationNotFound.
func (s *Store) GetByID(_ context.Context, id string) (*model.SimulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[id]
	if !found {
		return nil, data.ErrSimulationNotFound
	}
	return cloneRecord(rec), nil
}

// ConditionalUpdate applies changes only when the stored version still equals
// expectedVersion. The check and the write happen under one lock acquisition,
// so concurrent callers holding the same snapshot cannot both win.
func (s *Store) ConditionalUpdate(
	_ context.Context,
	id string,
	expectedVersion int64,
	changes core.RecordChanges,
) (int64, bool, error) {
	if strings.TrimSpace(id) == "" {
		return 0, false, apperrors.Validation("simulation id is required")
	}
	if changes.Status != nil && !changes.Status.Valid() {
		return 0, false, apperrors.Validation("invalid status: " + string(*changes.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[id]
	if !found || rec.Version != expectedVersion {
		return 0, false, nil
	}

	if changes.Status != nil {
		rec.Status = *changes.Status
	}
	if changes.WorkerRef != nil {
		ref := *changes.WorkerRef
		rec.WorkerRef = &ref
	}
	if changes.Result != nil {
		rec.Result = cloneRaw(changes.Result)
	}
	if changes.ErrorInfo != nil {
		info := *changes.ErrorInfo
		info.Detail = cloneRaw(changes.ErrorInfo.Detail)
		rec.ErrorInfo = &info
	}
	if changes.CancelReason != nil {
		reason := *changes.CancelReason
		rec.CancelReason = &reason
	}
	if changes.StartedAt != nil {
		at := changes.StartedAt.UTC()
		rec.StartedAt = &at
	}
	if changes.CompletedAt != nil {
		at := changes.CompletedAt.UTC()
		rec.CompletedAt = &at
	}

	rec.Version++
	rec.UpdatedAt = s.timeProvider.Now()

	return rec.Version, true, nil
}

// ListRunning returns running records started before the cutoff, oldest first.
func (s *Store) ListRunning(_ context.Context, params core.ListRunningParams) ([]*model.SimulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SimulationRecord
	for _, rec := range s.records {
		if rec.Status != model.StatusRunning || rec.StartedAt == nil {
			continue
		}
		if rec.StartedAt.Before(params.StartedBefore) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	return capLimit(out, params.Limit), nil
}

// ListByStatus returns records in the given state, oldest first by creation.
func (s *Store) ListByStatus(_ context.Context, status model.SimulationStatus, limit int) ([]*model.SimulationRecord, error) {
	if !status.Valid() {
		return nil, apperrors.Validation("invalid status: " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SimulationRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return capLimit(out, limit), nil
}

// Stats counts records per lifecycle state.
func (s *Store) Stats(_ context.Context) (*model.SimulationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats model.SimulationStats
	for _, rec := range s.records {
		switch rec.Status {
		case model.StatusPending:
			stats.Pending++
		case model.StatusRunning:
			stats.Running++
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusCancelled:
			stats.Cancelled++
		}
	}
	return &stats, nil
}

func capLimit(recs []*model.SimulationRecord, limit int) []*model.SimulationRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}

func cloneRecord(rec *model.SimulationRecord) *model.SimulationRecord {
	out := *rec
	out.Parameters = cloneRaw(rec.Parameters)
	out.Result = cloneRaw(rec.Result)
	if rec.WorkerRef != nil {
		ref := *rec.WorkerRef
		out.WorkerRef = &ref
	}
	if rec.ErrorInfo != nil {
		info := *rec.ErrorInfo
		info.Detail = cloneRaw(rec.ErrorInfo.Detail)
		out.ErrorInfo = &info
	}
	if rec.CancelReason != nil {
		reason := *rec.CancelReason
		out.CancelReason = &reason
	}
	if rec.StartedAt != nil {
		at := *rec.StartedAt
		out.StartedAt = &at
	}
	if rec.CompletedAt != nil {
		at := *rec.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

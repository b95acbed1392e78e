package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data/memstore"
	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
	"github.com/phip-platform/simcoord/internal/mocks"
	"github.com/phip-platform/simcoord/internal/testutil"
)

// countingSink records Count calls so tests can assert on emitted metrics.
type countingSink struct {
	counts map[string]int64
}

func newCountingSink() *countingSink {
	return &countingSink{counts: make(map[string]int64)}
}

// Count keys by metric name, suffixed with the result tag when present, so
// tests can tell a conflicted transition from a successful one.
func (s *countingSink) Count(name string, value int64, tags map[string]string) {
	key := name
	if result, ok := tags["result"]; ok {
		key = name + ":" + result
	}
	s.counts[key] += value
}

func (s *countingSink) Gauge(string, float64, map[string]string) {}

func (s *countingSink) Timing(string, time.Duration, map[string]string) {}

func newMemCoordinator(t *testing.T) (*Coordinator, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.Options{})
	coord, err := NewCoordinator(CoordinatorOptions{Store: store})
	require.NoError(t, err)
	return coord, store
}

func submitPending(t *testing.T, coord *Coordinator) *model.SimulationRecord {
	t.Helper()
	rec, err := coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
	require.NoError(t, err)
	return rec
}

func TestNewCoordinator_RequiresStore(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{})
	assert.Error(t, err)

	assert.Panics(t, func() {
		MustNewCoordinator(CoordinatorOptions{})
	})
}

func TestCoordinator_Claim(t *testing.T) {
	t.Run("pending record is claimed with version bump", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)
		require.Equal(t, int64(1), rec.Version)

		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)
		assert.Equal(t, model.StatusRunning, claimed.Status)
		assert.Equal(t, int64(2), claimed.Version)
		require.NotNil(t, claimed.WorkerRef)
		require.NotNil(t, claimed.StartedAt)
	})

	t.Run("second claim loses without error", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)

		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-2"})
		require.NoError(t, err)
		assert.False(t, won)
		assert.Nil(t, claimed)
	})

	t.Run("claim of a running record counts as contention", func(t *testing.T) {
		sink := newCountingSink()
		store := memstore.New(memstore.Options{})
		coord, err := NewCoordinator(CoordinatorOptions{Store: store, Metrics: sink})
		require.NoError(t, err)

		rec, err := coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
		require.NoError(t, err)

		_, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)

		_, won, err = coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-2"})
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, int64(1), sink.counts["simulation.claim_contention"])
	})

	t.Run("cancelled record is not claimable", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, err := coord.Cancel(context.Background(), CancelParams{ID: rec.ID, Reason: "not needed"})
		require.NoError(t, err)

		_, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("lost version race maps to not-claimed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockSimulationStore(ctrl)
		pending := &model.SimulationRecord{
			ID:      "sim-1",
			Status:  model.StatusPending,
			Version: 1,
		}
		store.EXPECT().GetByID(gomock.Any(), "sim-1").Return(pending, nil)
		store.EXPECT().
			ConditionalUpdate(gomock.Any(), "sim-1", int64(1), gomock.Any()).
			Return(int64(0), false, nil)

		coord := MustNewCoordinator(CoordinatorOptions{Store: store})
		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: "sim-1", WorkerNode: "node-1"})
		require.NoError(t, err)
		assert.False(t, won)
		assert.Nil(t, claimed)
	})

	t.Run("store failure surfaces as error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockSimulationStore(ctrl)
		store.EXPECT().GetByID(gomock.Any(), "sim-1").Return(nil, errors.New("connection refused"))

		coord := MustNewCoordinator(CoordinatorOptions{Store: store})
		_, won, err := coord.Claim(context.Background(), ClaimParams{ID: "sim-1", WorkerNode: "node-1"})
		assert.Error(t, err)
		assert.False(t, won)
	})

	t.Run("missing record", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		_, _, err := coord.Claim(context.Background(), ClaimParams{ID: "missing", WorkerNode: "node-1"})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestCoordinator_Complete(t *testing.T) {
	t.Run("full lifecycle bumps versions one by one", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)
		require.Equal(t, int64(2), claimed.Version)

		newVersion, err := coord.Complete(context.Background(), CompleteParams{
			ID:      rec.ID,
			Version: claimed.Version,
			Result:  json.RawMessage(`{"peak_infected": 4321}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), newVersion)

		got, err := coord.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"peak_infected": 4321}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)

		// Completing with the pre-claim version must lose.
		_, err = coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: rec.Version})
		assert.True(t, apperrors.IsConflict(err))

		// The claimed version still works afterwards.
		_, err = coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: claimed.Version})
		assert.NoError(t, err)
	})

	t.Run("worker finishing after a forced failure sees a conflict", func(t *testing.T) {
		sink := newCountingSink()
		store := memstore.New(memstore.Options{})
		coord, err := NewCoordinator(CoordinatorOptions{Store: store, Metrics: sink})
		require.NoError(t, err)

		rec, err := coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
		require.NoError(t, err)

		claimed, won, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		require.True(t, won)

		// The reaper force-fails the record at the version it scanned,
		// which is the version the worker claimed at.
		_, err = coord.Fail(context.Background(), FailParams{
			ID:        rec.ID,
			Version:   claimed.Version,
			ErrorInfo: model.ErrorInfo{Message: "exceeded running deadline of 30m0s"},
		})
		require.NoError(t, err)

		// The slow worker's Complete carries a now-stale version. That is a
		// concurrency conflict, not an illegal transition, even though the
		// record is already terminal.
		_, err = coord.Complete(context.Background(), CompleteParams{
			ID:      rec.ID,
			Version: claimed.Version,
			Result:  json.RawMessage(`{"late": true}`),
		})
		assert.True(t, apperrors.IsConflict(err))
		assert.False(t, apperrors.IsInvalidTransition(err))
		assert.Equal(t, int64(1), sink.counts["simulation.transition:conflict"])

		got, err := coord.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorInfo)
		assert.Nil(t, got.Result)
	})

	t.Run("pending record cannot complete", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, err := coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: rec.Version})
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("completed record stays completed", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		v, err := coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: claimed.Version})
		require.NoError(t, err)

		_, err = coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: v})
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("empty result defaults to empty object", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		_, err = coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: claimed.Version})
		require.NoError(t, err)

		got, err := coord.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(got.Result))
	})
}

func TestCoordinator_Fail(t *testing.T) {
	t.Run("running record fails with error info", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)

		newVersion, err := coord.Fail(context.Background(), FailParams{
			ID:      rec.ID,
			Version: claimed.Version,
			ErrorInfo: model.ErrorInfo{
				Message: "solver diverged",
				Detail:  json.RawMessage(`{"step": 42}`),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, claimed.Version+1, newVersion)

		got, err := coord.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorInfo)
		assert.Equal(t, "solver diverged", got.ErrorInfo.Message)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("error message required", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, err := coord.Fail(context.Background(), FailParams{ID: rec.ID, Version: rec.Version})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("stale version after cancellation is a conflict", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)

		_, err = coord.Cancel(context.Background(), CancelParams{ID: rec.ID, Reason: "operator abort"})
		require.NoError(t, err)

		_, err = coord.Fail(context.Background(), FailParams{
			ID:        rec.ID,
			Version:   claimed.Version,
			ErrorInfo: model.ErrorInfo{Message: "solver diverged"},
		})
		assert.True(t, apperrors.IsConflict(err))

		got, err := coord.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("pending record cannot fail directly", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, err := coord.Fail(context.Background(), FailParams{
			ID:        rec.ID,
			Version:   rec.Version,
			ErrorInfo: model.ErrorInfo{Message: "boom"},
		})
		assert.True(t, apperrors.IsInvalidTransition(err))
	})
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Run("pending record cancels without completed_at", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		cancelled, err := coord.Cancel(context.Background(), CancelParams{ID: rec.ID, Reason: "duplicate run"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelReason)
		assert.Equal(t, "duplicate run", *cancelled.CancelReason)
		assert.Nil(t, cancelled.CompletedAt)
	})

	t.Run("running record cancels with completed_at", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		_, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)

		cancelled, err := coord.Cancel(context.Background(), CancelParams{ID: rec.ID})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CompletedAt)
		require.NotNil(t, cancelled.CancelReason)
		assert.Equal(t, "cancelled by operator", *cancelled.CancelReason)
	})

	t.Run("terminal record cannot cancel", func(t *testing.T) {
		coord, _ := newMemCoordinator(t)
		rec := submitPending(t, coord)

		claimed, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
		require.NoError(t, err)
		_, err = coord.Complete(context.Background(), CompleteParams{ID: rec.ID, Version: claimed.Version})
		require.NoError(t, err)

		_, err = coord.Cancel(context.Background(), CancelParams{ID: rec.ID})
		assert.True(t, apperrors.IsInvalidTransition(err))
	})

	t.Run("concurrent modification is a conflict", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		store := mocks.NewMockSimulationStore(ctrl)
		pending := &model.SimulationRecord{
			ID:      "sim-1",
			Status:  model.StatusPending,
			Version: 4,
		}
		store.EXPECT().GetByID(gomock.Any(), "sim-1").Return(pending, nil)
		store.EXPECT().
			ConditionalUpdate(gomock.Any(), "sim-1", int64(4), gomock.Any()).
			Return(int64(0), false, nil)

		coord := MustNewCoordinator(CoordinatorOptions{Store: store})
		_, err := coord.Cancel(context.Background(), CancelParams{ID: "sim-1"})
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestCoordinator_PendingCandidates(t *testing.T) {
	coord, _ := newMemCoordinator(t)

	first := submitPending(t, coord)
	second := submitPending(t, coord)

	_, _, err := coord.Claim(context.Background(), ClaimParams{ID: first.ID, WorkerNode: "node-1"})
	require.NoError(t, err)

	candidates, err := coord.PendingCandidates(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, second.ID, candidates[0].ID)
}

func TestCoordinator_Stats(t *testing.T) {
	coord, _ := newMemCoordinator(t)

	rec := submitPending(t, coord)
	submitPending(t, coord)

	_, _, err := coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "node-1"})
	require.NoError(t, err)

	stats, err := coord.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
}

func TestCoordinator_ChangesSentToStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockSimulationStore(ctrl)
	running := &model.SimulationRecord{
		ID:        "sim-1",
		ModelType: model.ModelTypeSEIR,
		Status:    model.StatusRunning,
		Version:   2,
	}
	store.EXPECT().GetByID(gomock.Any(), "sim-1").Return(running, nil)
	store.EXPECT().
		ConditionalUpdate(gomock.Any(), "sim-1", int64(2), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ int64, changes core.RecordChanges) (int64, bool, error) {
			require.NotNil(t, changes.Status)
			assert.Equal(t, model.StatusCompleted, *changes.Status)
			assert.NotNil(t, changes.CompletedAt)
			assert.Nil(t, changes.ErrorInfo)
			return 3, true, nil
		})

	coord := MustNewCoordinator(CoordinatorOptions{Store: store})
	newVersion, err := coord.Complete(context.Background(), CompleteParams{
		ID:      "sim-1",
		Version: 2,
		Result:  json.RawMessage(`{"ok": true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), newVersion)
}

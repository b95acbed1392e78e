package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/data"
	"github.com/phip-platform/simcoord/internal/data/memstore"
	"github.com/phip-platform/simcoord/internal/domain/model"
	"github.com/phip-platform/simcoord/internal/mocks"
	"github.com/phip-platform/simcoord/internal/testutil"
)

type reaperHarness struct {
	reaper *ReaperService
	coord  *Coordinator
	store  *memstore.Store
	clock  *data.FixedTimeProvider
}

func newReaperHarness(t *testing.T, cfg config.ReaperConfig) *reaperHarness {
	t.Helper()
	cfg.Sanitize()

	clock := data.NewFixedTimeProvider(testutil.TestTime())
	store := memstore.New(memstore.Options{TimeProvider: clock})
	coord, err := NewCoordinator(CoordinatorOptions{Store: store, TimeProvider: clock})
	require.NoError(t, err)

	reaper, err := NewReaperService(ReaperServiceOptions{
		Store:        store,
		Coordinator:  coord,
		Config:       cfg,
		TimeProvider: clock,
	})
	require.NoError(t, err)

	return &reaperHarness{reaper: reaper, coord: coord, store: store, clock: clock}
}

// claimRunning submits a fresh simulation and claims it at the current
// fake time, returning the running record.
func (h *reaperHarness) claimRunning(t *testing.T) *model.SimulationRecord {
	t.Helper()
	rec, err := h.coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
	require.NoError(t, err)
	claimed, won, err := h.coord.Claim(context.Background(), ClaimParams{ID: rec.ID, WorkerNode: "reaper-test"})
	require.NoError(t, err)
	require.True(t, won)
	return claimed
}

func TestNewReaperService_RequiresDependencies(t *testing.T) {
	coord, store := newMemCoordinator(t)

	_, err := NewReaperService(ReaperServiceOptions{Coordinator: coord})
	assert.Error(t, err)

	_, err = NewReaperService(ReaperServiceOptions{Store: store})
	assert.Error(t, err)
}

func TestNewReaperService_SanitizesConfig(t *testing.T) {
	coord, store := newMemCoordinator(t)

	// A zero-value config must come out with safe guardrail values, not a
	// zero ticker interval.
	svc, err := NewReaperService(ReaperServiceOptions{Store: store, Coordinator: coord})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, svc.config.Interval)
	assert.Equal(t, time.Minute, svc.config.RunningDeadline)
	assert.Equal(t, 1, svc.config.BatchSize)
}

func TestReaperService_Sweep(t *testing.T) {
	cfg := config.ReaperConfig{
		Interval:        time.Minute,
		RunningDeadline: 30 * time.Minute,
		BatchSize:       100,
	}

	t.Run("force-fails simulations past the running deadline", func(t *testing.T) {
		h := newReaperHarness(t, cfg)
		stuck := h.claimRunning(t)

		h.clock.AddTime(31 * time.Minute)

		reaped, err := h.reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), reaped)

		got, err := h.coord.Get(context.Background(), stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, stuck.Version+1, got.Version)
		require.NotNil(t, got.ErrorInfo)
		assert.Contains(t, got.ErrorInfo.Message, "exceeded running deadline")
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("leaves fresh running simulations alone", func(t *testing.T) {
		h := newReaperHarness(t, cfg)
		fresh := h.claimRunning(t)

		h.clock.AddTime(5 * time.Minute)

		reaped, err := h.reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, reaped)

		got, err := h.coord.Get(context.Background(), fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, got.Status)
	})

	t.Run("ignores pending and terminal simulations", func(t *testing.T) {
		h := newReaperHarness(t, cfg)

		pending, err := h.coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
		require.NoError(t, err)

		done := h.claimRunning(t)
		_, err = h.coord.Complete(context.Background(), CompleteParams{ID: done.ID, Version: done.Version})
		require.NoError(t, err)

		h.clock.AddTime(2 * time.Hour)

		reaped, err := h.reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, reaped)

		gotPending, err := h.coord.Get(context.Background(), pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, gotPending.Status)
	})

	t.Run("worker finishing between scan and fail wins the race", func(t *testing.T) {
		h := newReaperHarness(t, cfg)
		stuck := h.claimRunning(t)
		h.clock.AddTime(31 * time.Minute)

		// Complete at the version the reaper is about to use, so the
		// reaper's conditional write loses.
		_, err := h.coord.Complete(context.Background(), CompleteParams{ID: stuck.ID, Version: stuck.Version})
		require.NoError(t, err)

		reaped, err := h.reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, reaped)

		got, err := h.coord.Get(context.Background(), stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
	})

	t.Run("reaps multiple batches until the backlog drains", func(t *testing.T) {
		small := cfg
		small.BatchSize = 2

		h := newReaperHarness(t, small)
		for i := 0; i < 5; i++ {
			h.claimRunning(t)
		}
		h.clock.AddTime(31 * time.Minute)

		reaped, err := h.reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(5), reaped)

		stats, err := h.coord.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, stats.Failed)
		assert.Zero(t, stats.Running)
	})

	t.Run("propagates store scan failures", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockSimulationStore(ctrl)
		coord, err := NewCoordinator(CoordinatorOptions{Store: store})
		require.NoError(t, err)

		reaper, err := NewReaperService(ReaperServiceOptions{
			Store:       store,
			Coordinator: coord,
			Config:      cfg,
		})
		require.NoError(t, err)

		store.EXPECT().
			ListRunning(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("connection reset"))

		_, err = reaper.Sweep(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list stuck simulations")
	})

	t.Run("uses the deadline as the scan cutoff", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockSimulationStore(ctrl)
		coord, err := NewCoordinator(CoordinatorOptions{Store: store})
		require.NoError(t, err)

		clock := data.NewFixedTimeProvider(testutil.TestTime())
		reaper, err := NewReaperService(ReaperServiceOptions{
			Store:        store,
			Coordinator:  coord,
			Config:       cfg,
			TimeProvider: clock,
		})
		require.NoError(t, err)

		store.EXPECT().
			ListRunning(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, params core.ListRunningParams) ([]*model.SimulationRecord, error) {
				assert.Equal(t, testutil.TestTime().Add(-cfg.RunningDeadline), params.StartedBefore)
				assert.Equal(t, cfg.BatchSize, params.Limit)
				return nil, nil
			})

		_, err = reaper.Sweep(context.Background())
		require.NoError(t, err)
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops cleanly on context cancel", func(t *testing.T) {
		h := newReaperHarness(t, config.ReaperConfig{
			Interval:        10 * time.Second,
			RunningDeadline: time.Minute,
			BatchSize:       10,
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- h.reaper.Run(ctx)
		}()

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("reaper did not stop after context cancellation")
		}
	})
}

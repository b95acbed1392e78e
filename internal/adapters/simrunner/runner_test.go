package simrunner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/adapters/queue"
	"github.com/phip-platform/simcoord/internal/data/memstore"
	"github.com/phip-platform/simcoord/internal/domain/model"
	"github.com/phip-platform/simcoord/internal/engine"
	"github.com/phip-platform/simcoord/internal/service"
	"github.com/phip-platform/simcoord/internal/testutil"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		NodeName:           "test-node",
		Concurrency:        2,
		QueueWaitTimeout:   time.Second,
		PollInterval:       100 * time.Millisecond,
		CancelPollInterval: 100 * time.Millisecond,
		ClaimBatchSize:     10,
	}
}

type runnerHarness struct {
	runner *Runner
	coord  *service.Coordinator
	store  *memstore.Store
}

func newRunnerHarness(t *testing.T, engines *engine.Registry, ids queue.IDSource) *runnerHarness {
	t.Helper()

	store := memstore.New(memstore.Options{})
	coord, err := service.NewCoordinator(service.CoordinatorOptions{Store: store})
	require.NoError(t, err)

	runner, err := NewRunner(RunnerOptions{
		Coordinator: coord,
		Engines:     engines,
		IDs:         ids,
		Config:      testWorkerConfig(),
	})
	require.NoError(t, err)

	return &runnerHarness{runner: runner, coord: coord, store: store}
}

func (h *runnerHarness) submit(t *testing.T) *model.SimulationRecord {
	t.Helper()
	rec, err := h.coord.Submit(context.Background(), testutil.NewSimulationRequest().Build())
	require.NoError(t, err)
	return rec
}

func echoRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	reg := engine.NewRegistry()
	reg.MustRegister(model.ModelTypeSEIR, engine.Func(
		func(_ context.Context, sim *model.SimulationRecord) (json.RawMessage, error) {
			return sim.Parameters, nil
		}))
	return reg
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	store := memstore.New(memstore.Options{})
	coord, err := service.NewCoordinator(service.CoordinatorOptions{Store: store})
	require.NoError(t, err)

	_, err = NewRunner(RunnerOptions{Engines: engine.NewRegistry()})
	assert.Error(t, err)

	_, err = NewRunner(RunnerOptions{Coordinator: coord})
	assert.Error(t, err)
}

func TestRunner_AttemptCompletesSimulation(t *testing.T) {
	h := newRunnerHarness(t, echoRegistry(t), nil)
	rec := h.submit(t)

	h.runner.attempt(context.Background(), rec.ID)

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.Version) // submit 1, claim 2, complete 3
	require.NotNil(t, got.WorkerRef)
	assert.Contains(t, *got.WorkerRef, "test-node")

	var envelope struct {
		Output      json.RawMessage `json:"output"`
		ExecutionMS int64           `json:"execution_ms"`
	}
	require.NoError(t, json.Unmarshal(got.Result, &envelope))
	assert.JSONEq(t, string(rec.Parameters), string(envelope.Output))
	assert.GreaterOrEqual(t, envelope.ExecutionMS, int64(0))
}

func TestRunner_AttemptRecordsEngineFailure(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(model.ModelTypeSEIR, engine.Func(
		func(context.Context, *model.SimulationRecord) (json.RawMessage, error) {
			return nil, errors.New("diverged after 3 iterations")
		}))

	h := newRunnerHarness(t, reg, nil)
	rec := h.submit(t)

	h.runner.attempt(context.Background(), rec.ID)

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorInfo)
	assert.Equal(t, "diverged after 3 iterations", got.ErrorInfo.Message)
	require.NotNil(t, got.CompletedAt)
}

func TestRunner_AttemptRecoversEnginePanic(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(model.ModelTypeSEIR, engine.Func(
		func(context.Context, *model.SimulationRecord) (json.RawMessage, error) {
			panic("index out of range")
		}))

	h := newRunnerHarness(t, reg, nil)
	rec := h.submit(t)

	h.runner.attempt(context.Background(), rec.ID)

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorInfo)
	assert.Contains(t, got.ErrorInfo.Message, "engine panic")
	assert.Contains(t, got.ErrorInfo.Message, "index out of range")
}

func TestRunner_AttemptFailsWhenNoEngineRegistered(t *testing.T) {
	h := newRunnerHarness(t, engine.NewRegistry(), nil)
	rec := h.submit(t)

	h.runner.attempt(context.Background(), rec.ID)

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorInfo)
	assert.Contains(t, got.ErrorInfo.Message, "no engine registered")
}

func TestRunner_AttemptAbandonsLostClaim(t *testing.T) {
	h := newRunnerHarness(t, echoRegistry(t), nil)
	rec := h.submit(t)

	claimed, won, err := h.coord.Claim(context.Background(), service.ClaimParams{ID: rec.ID, WorkerNode: "rival"})
	require.NoError(t, err)
	require.True(t, won)

	h.runner.attempt(context.Background(), rec.ID)

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, claimed.Version, got.Version)
	assert.Equal(t, *claimed.WorkerRef, *got.WorkerRef)
}

func TestRunner_AttemptIgnoresUnknownID(t *testing.T) {
	h := newRunnerHarness(t, echoRegistry(t), nil)

	// Must not panic or mutate anything.
	h.runner.attempt(context.Background(), "0b5c7b3a-9f4e-4f7c-8f43-000000000000")

	stats, err := h.coord.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &model.SimulationStats{}, stats)
}

func TestRunner_CooperativeCancellation(t *testing.T) {
	started := make(chan struct{})
	reg := engine.NewRegistry()
	reg.MustRegister(model.ModelTypeSEIR, engine.Func(
		func(ctx context.Context, _ *model.SimulationRecord) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	h := newRunnerHarness(t, reg, nil)
	rec := h.submit(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.attempt(context.Background(), rec.ID)
	}()

	<-started
	_, err := h.coord.Cancel(context.Background(), service.CancelParams{ID: rec.ID, Reason: "operator abort"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not observe cancellation")
	}

	got, err := h.coord.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "operator abort", *got.CancelReason)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ErrorInfo)
}

func TestRunner_RunDrainsQueue(t *testing.T) {
	src := queue.NewMemorySource(queue.MemorySourceOptions{WaitTimeout: 200 * time.Millisecond})
	h := newRunnerHarness(t, echoRegistry(t), src)

	const total = 5
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		rec := h.submit(t)
		ids = append(ids, rec.ID)
		require.NoError(t, src.Enqueue(context.Background(), rec.ID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := h.coord.Stats(context.Background())
		return err == nil && stats.Completed == total
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}

	for _, id := range ids {
		got, err := h.coord.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
	}
}

func TestRunner_RunScansStoreWithoutQueue(t *testing.T) {
	h := newRunnerHarness(t, echoRegistry(t), nil)
	rec := h.submit(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.coord.Get(context.Background(), rec.ID)
		return err == nil && got.Status == model.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}

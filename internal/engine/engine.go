// Package engine defines the execution port the worker runtime drives.
// The numerical model implementations live behind the Engine interface;
// this package only routes a claimed simulation to the engine registered
// for its model type.
package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
)

// Engine executes one simulation to completion and returns the result
// payload. Implementations must honour ctx cancellation; a cancelled run
// returns ctx.Err() (usually wrapped) rather than a partial result.
type Engine interface {
	Execute(ctx context.Context, sim *model.SimulationRecord) (json.RawMessage, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, sim *model.SimulationRecord) (json.RawMessage, error)

// Execute implements Engine.
func (f Func) Execute(ctx context.Context, sim *model.SimulationRecord) (json.RawMessage, error) {
	return f(ctx, sim)
}

// Registry maps model types to their engines. Registration happens during
// bootstrap; Resolve is called concurrently by worker goroutines.
type Registry struct {
	mu      sync.RWMutex
	engines map[model.ModelType]Engine
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[model.ModelType]Engine),
	}
}

// Register binds an engine to a model type, replacing any previous binding.
func (r *Registry) Register(modelType model.ModelType, eng Engine) error {
	if !modelType.Valid() {
		return apperrors.Validation("unknown model type: " + string(modelType))
	}
	if eng == nil {
		return apperrors.Validation("engine must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[modelType] = eng
	return nil
}

// MustRegister is Register for static bootstrap wiring.
func (r *Registry) MustRegister(modelType model.ModelType, eng Engine) {
	if err := r.Register(modelType, eng); err != nil {
		//nolint:forbidigo // Must variant fails fast on wiring errors during startup
		panic(err)
	}
}

// Resolve returns the engine for a model type.
func (r *Registry) Resolve(modelType model.ModelType) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eng, ok := r.engines[modelType]
	if !ok {
		return nil, apperrors.NotFoundf("no engine registered for model type %q", modelType)
	}
	return eng, nil
}

// ModelTypes returns the model types with a registered engine.
func (r *Registry) ModelTypes() []model.ModelType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.ModelType, 0, len(r.engines))
	for mt := range r.engines {
		types = append(types, mt)
	}
	return types
}

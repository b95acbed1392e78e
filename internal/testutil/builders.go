package testutil

import (
	"encoding/json"

	"github.com/phip-platform/simcoord/internal/domain/model"
)

// SimulationRequestBuilder provides a fluent interface for building
// CreateSimulationRequest values in tests.
type SimulationRequestBuilder struct {
	req model.CreateSimulationRequest
}

// NewSimulationRequest creates a SimulationRequestBuilder with sensible defaults.
func NewSimulationRequest() *SimulationRequestBuilder {
	return &SimulationRequestBuilder{
		req: model.CreateSimulationRequest{
			ModelType:  model.ModelTypeSEIR,
			Parameters: json.RawMessage(`{"population": 100000, "r0": 2.4, "days": 120}`),
		},
	}
}

// WithModelType sets the model type.
func (b *SimulationRequestBuilder) WithModelType(mt model.ModelType) *SimulationRequestBuilder {
	b.req.ModelType = mt
	return b
}

// WithParameters sets the parameters payload.
func (b *SimulationRequestBuilder) WithParameters(params json.RawMessage) *SimulationRequestBuilder {
	b.req.Parameters = params
	return b
}

// WithParametersString sets the parameters payload from a string.
func (b *SimulationRequestBuilder) WithParametersString(params string) *SimulationRequestBuilder {
	b.req.Parameters = json.RawMessage(params)
	return b
}

// Build returns the constructed request.
func (b *SimulationRequestBuilder) Build() model.CreateSimulationRequest {
	return b.req
}

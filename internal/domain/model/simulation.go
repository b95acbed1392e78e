// Package model defines the core data types for the simulation lifecycle coordinator.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModelType identifies which simulation engine a record is bound to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ModelType string

// SimulationStatus represents the current lifecycle state of a simulation.
type SimulationStatus string

const (
	// ModelTypeSEIR represents a compartmental SEIR integration run.
	ModelTypeSEIR ModelType = "seir"
	// ModelTypeAgentBased represents an agent-based simulation run.
	ModelTypeAgentBased ModelType = "agent_based"
	// ModelTypeNetwork represents a contact-network simulation run.
	ModelTypeNetwork ModelType = "network"
	// ModelTypeMLForecast represents an ML forecasting run.
	ModelTypeMLForecast ModelType = "ml_forecast"

	// StatusPending indicates a simulation is waiting to be claimed.
	StatusPending SimulationStatus = "pending"
	// StatusRunning indicates a simulation is owned by a worker.
	StatusRunning SimulationStatus = "running"
	// StatusCompleted indicates a simulation finished successfully.
	StatusCompleted SimulationStatus = "completed"
	// StatusFailed indicates a simulation finished with an error.
	StatusFailed SimulationStatus = "failed"
	// StatusCancelled indicates a simulation was cancelled before or during execution.
	StatusCancelled SimulationStatus = "cancelled"
)

// InitialVersion is the version assigned to a freshly created record.
const InitialVersion int64 = 1

// ErrNoSimulationsAvailable is returned when a scan finds nothing to process.
var ErrNoSimulationsAvailable = errors.New("no simulations available")

// UnmarshalText implements encoding.TextUnmarshaler for ModelType to allow env parsing.
func (t *ModelType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	mt := ModelType(v)
	if mt.Valid() {
		*t = mt
		return nil
	}
	return fmt.Errorf("invalid ModelType: %q", v)
}

// Valid returns true if the ModelType is one of the known engine bindings.
func (t ModelType) Valid() bool {
	return t == ModelTypeSEIR || t == ModelTypeAgentBased || t == ModelTypeNetwork ||
		t == ModelTypeMLForecast
}

// Valid returns true if the SimulationStatus is a known lifecycle state.
func (s SimulationStatus) Valid() bool {
	return s == StatusPending || s == StatusRunning || s == StatusCompleted ||
		s == StatusFailed || s == StatusCancelled
}

// ErrorInfo captures why a simulation failed. Detail is opaque to the
// coordinator; it belongs to the unit of work that produced it.
type ErrorInfo struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// SimulationRecord is one row in the shared simulations table.
//
// Version starts at 1 and is incremented by exactly 1 on every successful
// conditional update; it is the sole synchronization primitive for the
// whole subsystem. Once a record reaches a terminal status exactly one of
// Result, ErrorInfo, CancelReason is populated.
type SimulationRecord struct {
	ID           string           `json:"id"                      db:"id"`
	ModelType    ModelType        `json:"model_type"              db:"model_type"`
	Status       SimulationStatus `json:"status"                  db:"status"`
	Version      int64            `json:"version"                 db:"version"`
	WorkerRef    *string          `json:"worker_ref,omitempty"    db:"worker_ref"`
	Parameters   json.RawMessage  `json:"parameters"              db:"parameters"`
	Result       json.RawMessage  `json:"result,omitempty"        db:"result"`
	ErrorInfo    *ErrorInfo       `json:"error_info,omitempty"    db:"error_info"`
	CancelReason *string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt    time.Time        `json:"created_at"              db:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"    db:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"  db:"completed_at"`
	UpdatedAt    time.Time        `json:"updated_at"              db:"updated_at"`
}

// Cancelled reports whether the record has been cancelled. Workers poll
// this to honour cooperative cancellation mid-flight.
func (r *SimulationRecord) Cancelled() bool {
	return r.Status == StatusCancelled
}

// CreateSimulationRequest is what the (external) submission path provides
// when enqueueing a new simulation.
type CreateSimulationRequest struct {
	ModelType  ModelType       `json:"model_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// Validate validates the CreateSimulationRequest fields.
func (r *CreateSimulationRequest) Validate() error {
	if !r.ModelType.Valid() {
		return errors.New("invalid model type")
	}
	if len(r.Parameters) == 0 {
		return errors.New("parameters are required")
	}
	return nil
}

// SimulationStats summarises how many records sit in each state.
type SimulationStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// NewWorkerRef builds a claim token from a node name and a per-task id,
// e.g. "worker-3/4f1c...". Retained on the record after completion for audit.
func NewWorkerRef(node string) string {
	node = strings.TrimSpace(node)
	if node == "" {
		node = "worker"
	}
	return node + "/" + uuid.NewString()
}

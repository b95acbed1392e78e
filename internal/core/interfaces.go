// Package core defines the ports shared between the service layer and its
// adapters. Implementations live in internal/data and internal/adapters.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phip-platform/simcoord/internal/domain/model"
)

// RecordChanges carries the field values a conditional update wants to set.
// Nil fields are left untouched. The store applies all non-nil fields, the
// version bump, and the expected-version check in a single statement.
type RecordChanges struct {
	Status       *model.SimulationStatus
	WorkerRef    *string
	Result       json.RawMessage
	ErrorInfo    *model.ErrorInfo
	CancelReason *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ListRunningParams bounds a scan for running simulations.
type ListRunningParams struct {
	// StartedBefore selects rows whose started_at is older than this instant.
	StartedBefore time.Time
	// Limit caps the batch size. Zero means the store default.
	Limit int
}

// SimulationStore is the persistence port for simulation records.
//
// ConditionalUpdate is the only mutation path after creation. It applies
// changes to the row identified by id only when its stored version still
// equals expectedVersion, bumping the version by one in the same statement.
// A lost race reports ok=false with a nil error; callers decide whether
// that is a conflict or routine contention.
type SimulationStore interface {
	Create(ctx context.Context, req model.CreateSimulationRequest) (*model.SimulationRecord, error)
	GetByID(ctx context.Context, id string) (*model.SimulationRecord, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, changes RecordChanges) (newVersion int64, ok bool, err error)
	ListRunning(ctx context.Context, params ListRunningParams) ([]*model.SimulationRecord, error)
	ListByStatus(ctx context.Context, status model.SimulationStatus, limit int) ([]*model.SimulationRecord, error)
	Stats(ctx context.Context) (*model.SimulationStats, error)
}

package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/phip-platform/simcoord/internal/core"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
)

// ConditionalUpdate applies changes to the row identified by id only if its
// stored version still equals expectedVersion. The version check, the field
// writes, and the version bump execute as one statement, so two concurrent
// callers holding the same snapshot can never both win.
//
// Zero rows affected means the row has moved on (or never existed); that is
// reported as ok=false with a nil error because losing a race is an expected
// outcome, not a store failure.
func (r *SimulationRepo) ConditionalUpdate(
	ctx context.Context,
	id string,
	expectedVersion int64,
	changes core.RecordChanges,
) (int64, bool, error) {
	if strings.TrimSpace(id) == "" {
		return 0, false, errors.New("simulation id is required")
	}
	if expectedVersion < 1 {
		return 0, false, fmt.Errorf("expected version must be positive, got %d", expectedVersion)
	}

	query, args, err := r.buildConditionalUpdate(id, expectedVersion, changes)
	if err != nil {
		return 0, false, err
	}

	var newVersion int64
	scanErr := r.DB.QueryRowContext(ctx, query, args...).Scan(&newVersion)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, apperrors.MapDBError(fmt.Errorf("conditional update: %w", scanErr))
	}
	return newVersion, true, nil
}

// buildConditionalUpdate assembles the UPDATE statement from the non-nil
// fields in changes. Placeholders $1 and $2 are always id and the expected
// version; field assignments start at $3.
func (r *SimulationRepo) buildConditionalUpdate(
	id string,
	expectedVersion int64,
	changes core.RecordChanges,
) (string, []any, error) {
	assignments := []string{"version = version + 1"}
	args := []any{id, expectedVersion}

	appendAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if changes.Status != nil {
		if !changes.Status.Valid() {
			return "", nil, fmt.Errorf("invalid status: %s", *changes.Status)
		}
		appendAssignment("status", *changes.Status)
	}
	if changes.WorkerRef != nil {
		appendAssignment("worker_ref", *changes.WorkerRef)
	}
	if changes.Result != nil {
		appendAssignment("result", []byte(changes.Result))
	}
	if changes.ErrorInfo != nil {
		encoded, err := json.Marshal(changes.ErrorInfo)
		if err != nil {
			return "", nil, fmt.Errorf("encode error_info: %w", err)
		}
		appendAssignment("error_info", encoded)
	}
	if changes.CancelReason != nil {
		appendAssignment("cancel_reason", *changes.CancelReason)
	}
	if changes.StartedAt != nil {
		appendAssignment("started_at", changes.StartedAt.UTC())
	}
	if changes.CompletedAt != nil {
		appendAssignment("completed_at", changes.CompletedAt.UTC())
	}

	appendAssignment("updated_at", r.timeProvider.Now().UTC())

	query := `
		UPDATE simulations
		SET ` + strings.Join(assignments, ",\n		    ") + `
		WHERE id = $1 AND version = $2
		RETURNING version`

	return query, args, nil
}

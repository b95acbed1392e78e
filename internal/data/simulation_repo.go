package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phip-platform/simcoord/internal/core"
	"github.com/phip-platform/simcoord/internal/domain/model"
	apperrors "github.com/phip-platform/simcoord/internal/errors"
)

// ErrSimulationNotFound is returned when a simulation id does not exist.
var ErrSimulationNotFound = errors.New("simulation not found")

const defaultListLimit = 100

// RepoConfig holds configuration options for the simulation repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// SimulationRepo provides database operations for simulation records.
type SimulationRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.SimulationStore = (*SimulationRepo)(nil)

// NewSimulationRepo creates a SimulationRepo with the given database
// connection and configuration.
func NewSimulationRepo(db *sql.DB, cfg RepoConfig) *SimulationRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &SimulationRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const simulationColumns = `
  id,
  model_type,
  status,
  version,
  worker_ref,
  parameters,
  result,
  error_info,
  cancel_reason,
  created_at,
  started_at,
  completed_at,
  updated_at
`

// Create inserts a new pending simulation and returns the stored record.
func (r *SimulationRepo) Create(ctx context.Context, req model.CreateSimulationRequest) (*model.SimulationRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "create simulation")
	}

	now := r.timeProvider.Now()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO simulations (model_type, status, version, parameters, created_at, updated_at)
		VALUES ($1, 'pending', $2, $3, $4, $4)
		RETURNING `+simulationColumns,
		req.ModelType, model.InitialVersion, []byte(req.Parameters), now,
	)

	rec, err := scanSimulationFromRow(row)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("insert simulation: %w", err))
	}
	return rec, nil
}

// GetByID retrieves a simulation by its ID.
func (r *SimulationRepo) GetByID(ctx context.Context, id string) (*model.SimulationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+simulationColumns+`
		FROM simulations
		WHERE id = $1
	`, id)

	rec, err := scanSimulationFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSimulationNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get simulation: %w", err))
	}
	return rec, nil
}

// ListRunning returns running simulations whose started_at is older than the
// given cutoff, ordered oldest first.
func (r *SimulationRepo) ListRunning(ctx context.Context, params core.ListRunningParams) ([]*model.SimulationRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+simulationColumns+`
		FROM simulations
		WHERE status = 'running'
		  AND started_at IS NOT NULL
		  AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`, params.StartedBefore.UTC(), limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list running simulations: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return collectSimulations(rows)
}

// ListByStatus returns simulations in the given state, oldest first.
func (r *SimulationRepo) ListByStatus(ctx context.Context, status model.SimulationStatus, limit int) ([]*model.SimulationRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+simulationColumns+`
		FROM simulations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list simulations by status: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return collectSimulations(rows)
}

// Stats returns how many simulations sit in each lifecycle state.
func (r *SimulationRepo) Stats(ctx context.Context) (*model.SimulationStats, error) {
	var s model.SimulationStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM simulations
  `).Scan(
		&s.Pending,
		&s.Running,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("simulation stats: %w", err))
	}
	return &s, nil
}

func collectSimulations(rows *sql.Rows) ([]*model.SimulationRecord, error) {
	var out []*model.SimulationRecord
	for rows.Next() {
		rec, err := scanSimulationFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

type simulationRowScanner interface {
	Scan(dest ...any) error
}

type simulationRowData struct {
	parameters, result, errorInfo []byte
	workerRef, cancelReason       sql.NullString
	startedAt, completedAt        sql.NullTime
}

func (d *simulationRowData) scanInto(scanner simulationRowScanner, rec *model.SimulationRecord) error {
	return scanner.Scan(
		&rec.ID,
		&rec.ModelType,
		&rec.Status,
		&rec.Version,
		&d.workerRef,
		&d.parameters,
		&d.result,
		&d.errorInfo,
		&d.cancelReason,
		&rec.CreatedAt,
		&d.startedAt,
		&d.completedAt,
		&rec.UpdatedAt,
	)
}

func (d *simulationRowData) apply(rec *model.SimulationRecord) error {
	rec.Parameters = cloneJSON(d.parameters)
	rec.Result = cloneRawJSON(d.result)
	rec.WorkerRef = cloneNullableString(d.workerRef)
	rec.CancelReason = cloneNullableString(d.cancelReason)
	rec.StartedAt = cloneNullableTime(d.startedAt)
	rec.CompletedAt = cloneNullableTime(d.completedAt)

	if len(d.errorInfo) > 0 {
		var info model.ErrorInfo
		if err := json.Unmarshal(d.errorInfo, &info); err != nil {
			return fmt.Errorf("decode error_info: %w", err)
		}
		rec.ErrorInfo = &info
	}
	return nil
}

func scanSimulationFromRow(scanner simulationRowScanner) (*model.SimulationRecord, error) {
	rec := &model.SimulationRecord{}
	var data simulationRowData
	if err := data.scanInto(scanner, rec); err != nil {
		return nil, err
	}
	if err := data.apply(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

// cloneRawJSON preserves nil for columns where absence is meaningful.
func cloneRawJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

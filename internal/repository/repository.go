package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veridrive/mileage-trust-worker/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrTrustConflict is returned when a trust event's previous score no longer
// matches the stored score (concurrent update)
var ErrTrustConflict = errors.New("trust score changed concurrently")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetVehicleState retrieves the authoritative state for a vehicle
func (r *Repository) GetVehicleState(ctx context.Context, vehicleID uuid.UUID) (*db.VehicleMileageState, error) {
	query := `
		SELECT vehicle_id, last_verified_mileage, trust_score, last_mileage_update_at, created_at
		FROM vehicle_mileage_state
		WHERE vehicle_id = $1
	`

	var state db.VehicleMileageState
	err := r.pool.QueryRow(ctx, query, vehicleID).Scan(
		&state.VehicleID,
		&state.LastVerifiedMileage,
		&state.TrustScore,
		&state.LastMileageUpdateAt,
		&state.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("vehicle state %s: %w", vehicleID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query vehicle state: %w", err)
	}

	return &state, nil
}

// CreateVehicleState creates the state row for a newly registered vehicle
// with the initial trust score
func (r *Repository) CreateVehicleState(ctx context.Context, vehicleID uuid.UUID, initialMileage int64) (*db.VehicleMileageState, error) {
	query := `
		INSERT INTO vehicle_mileage_state (vehicle_id, last_verified_mileage, trust_score, last_mileage_update_at, created_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING vehicle_id, last_verified_mileage, trust_score, last_mileage_update_at, created_at
	`

	var state db.VehicleMileageState
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query, vehicleID, initialMileage, db.InitialTrustScore, now).Scan(
		&state.VehicleID,
		&state.LastVerifiedMileage,
		&state.TrustScore,
		&state.LastMileageUpdateAt,
		&state.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vehicle state: %w", err)
	}

	return &state, nil
}

// CompareAndSwapMileage updates last_verified_mileage from prev to next only
// if it still equals prev. Returns false when another writer got there first.
func (r *Repository) CompareAndSwapMileage(ctx context.Context, vehicleID uuid.UUID, prev, next int64, at time.Time) (bool, error) {
	query := `
		UPDATE vehicle_mileage_state
		SET last_verified_mileage = $3, last_mileage_update_at = $4
		WHERE vehicle_id = $1 AND last_verified_mileage = $2
	`

	tag, err := r.pool.Exec(ctx, query, vehicleID, prev, next, at)
	if err != nil {
		return false, fmt.Errorf("failed to swap mileage: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// OverrideMileage sets last_verified_mileage unconditionally. Only the admin
// path uses this; callers must log a trust event alongside it.
func (r *Repository) OverrideMileage(ctx context.Context, vehicleID uuid.UUID, mileage int64, at time.Time) error {
	query := `
		UPDATE vehicle_mileage_state
		SET last_verified_mileage = $2, last_mileage_update_at = $3
		WHERE vehicle_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, vehicleID, mileage, at)
	if err != nil {
		return fmt.Errorf("failed to override mileage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vehicle state %s: %w", vehicleID, ErrNotFound)
	}

	return nil
}

// InsertTelemetryReading inserts a classified telemetry reading
func (r *Repository) InsertTelemetryReading(ctx context.Context, reading *db.TelemetryReading) error {
	query := `
		INSERT INTO telemetry_readings (
			id, vehicle_id, device_id, reported_mileage,
			received_at, validation_status, validation_reason, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		reading.ID,
		reading.VehicleID,
		reading.DeviceID,
		reading.ReportedMileage,
		reading.ReceivedAt,
		reading.ValidationStatus,
		reading.ValidationReason,
		reading.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry reading: %w", err)
	}

	return nil
}

// GetTrustScore returns the current trust score for a vehicle
func (r *Repository) GetTrustScore(ctx context.Context, vehicleID uuid.UUID) (int, error) {
	query := `SELECT trust_score FROM vehicle_mileage_state WHERE vehicle_id = $1`

	var score int
	err := r.pool.QueryRow(ctx, query, vehicleID).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("vehicle state %s: %w", vehicleID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to query trust score: %w", err)
	}

	return score, nil
}

// ApplyTrustEvent atomically moves the stored trust score to event.NewScore
// and appends the event to the audit log. The update is conditioned on the
// stored score still equalling event.PreviousScore; ErrTrustConflict is
// returned otherwise so the caller can re-read and retry.
func (r *Repository) ApplyTrustEvent(ctx context.Context, event *db.TrustEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE vehicle_mileage_state
		SET trust_score = $3
		WHERE vehicle_id = $1 AND trust_score = $2
	`

	tag, err := tx.Exec(ctx, updateQuery, event.VehicleID, event.PreviousScore, event.NewScore)
	if err != nil {
		return fmt.Errorf("failed to update trust score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTrustConflict
	}

	insertQuery := `
		INSERT INTO trust_events (id, vehicle_id, change, previous_score, new_score, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, insertQuery,
		event.ID,
		event.VehicleID,
		event.Change,
		event.PreviousScore,
		event.NewScore,
		event.Reason,
		event.Source,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trust event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit trust event: %w", err)
	}

	return nil
}

// InsertFraudAlert creates a fraud alert row
func (r *Repository) InsertFraudAlert(ctx context.Context, alert *db.FraudAlert) error {
	query := `
		INSERT INTO fraud_alerts (
			id, vehicle_id, telemetry_id, alert_type, severity,
			status, description, investigation_notes, reported_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		alert.ID,
		alert.VehicleID,
		alert.TelemetryID,
		alert.AlertType,
		alert.Severity,
		alert.Status,
		alert.Description,
		alert.InvestigationNotes,
		alert.ReportedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fraud alert: %w", err)
	}

	return nil
}

// GetFraudAlert retrieves a fraud alert by id
func (r *Repository) GetFraudAlert(ctx context.Context, alertID uuid.UUID) (*db.FraudAlert, error) {
	query := `
		SELECT id, vehicle_id, telemetry_id, alert_type, severity,
		       status, description, investigation_notes, reported_at, updated_at
		FROM fraud_alerts
		WHERE id = $1
	`

	var alert db.FraudAlert
	err := r.pool.QueryRow(ctx, query, alertID).Scan(
		&alert.ID,
		&alert.VehicleID,
		&alert.TelemetryID,
		&alert.AlertType,
		&alert.Severity,
		&alert.Status,
		&alert.Description,
		&alert.InvestigationNotes,
		&alert.ReportedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("fraud alert %s: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query fraud alert: %w", err)
	}

	return &alert, nil
}

// UpdateFraudAlertStatus transitions a fraud alert to a new status
func (r *Repository) UpdateFraudAlertStatus(ctx context.Context, alertID uuid.UUID, status string, notes *string) error {
	query := `
		UPDATE fraud_alerts
		SET status = $2,
		    investigation_notes = COALESCE($3, investigation_notes),
		    updated_at = $4
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, alertID, status, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update fraud alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fraud alert %s: %w", alertID, ErrNotFound)
	}

	return nil
}

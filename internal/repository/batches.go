package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/veridrive/mileage-trust-worker/internal/db"
)

// ListVehiclesWithReadings returns the vehicles that have accepted readings
// on the given UTC day and no anchored batch for it yet
func (r *Repository) ListVehiclesWithReadings(ctx context.Context, date time.Time) ([]uuid.UUID, error) {
	dayStart, dayEnd := dayBounds(date)

	query := `
		SELECT DISTINCT tr.vehicle_id
		FROM telemetry_readings tr
		WHERE tr.received_at >= $1 AND tr.received_at < $2
		  AND tr.validation_status IN ($3, $4)
		  AND NOT EXISTS (
			SELECT 1 FROM daily_batches b
			WHERE b.vehicle_id = tr.vehicle_id
			  AND b.batch_date = $5
			  AND b.anchor_status = $6
		  )
	`

	rows, err := r.pool.Query(ctx, query,
		dayStart, dayEnd, db.StatusValid, db.StatusSuspicious, dayStart, db.AnchorAnchored)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles with readings: %w", err)
	}
	defer rows.Close()

	var vehicles []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle id: %w", err)
		}
		vehicles = append(vehicles, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return vehicles, nil
}

// ListAcceptedReadings returns a vehicle's valid and suspicious readings for
// the given UTC day, ordered by received_at then id so the digest is stable
func (r *Repository) ListAcceptedReadings(ctx context.Context, vehicleID uuid.UUID, date time.Time) ([]db.TelemetryReading, error) {
	dayStart, dayEnd := dayBounds(date)

	query := `
		SELECT id, vehicle_id, device_id, reported_mileage,
		       received_at, validation_status, validation_reason, raw_payload
		FROM telemetry_readings
		WHERE vehicle_id = $1
		  AND received_at >= $2 AND received_at < $3
		  AND validation_status IN ($4, $5)
		ORDER BY received_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, vehicleID, dayStart, dayEnd, db.StatusValid, db.StatusSuspicious)
	if err != nil {
		return nil, fmt.Errorf("failed to query accepted readings: %w", err)
	}
	defer rows.Close()

	var readings []db.TelemetryReading
	for rows.Next() {
		var reading db.TelemetryReading
		err := rows.Scan(
			&reading.ID,
			&reading.VehicleID,
			&reading.DeviceID,
			&reading.ReportedMileage,
			&reading.ReceivedAt,
			&reading.ValidationStatus,
			&reading.ValidationReason,
			&reading.RawPayload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// GetDailyBatch retrieves the batch for a (vehicle, day) key
func (r *Repository) GetDailyBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time) (*db.DailyBatch, error) {
	dayStart, _ := dayBounds(date)

	query := `
		SELECT id, vehicle_id, batch_date, reading_count, digest,
		       anchor_status, anchor_reference, retry_count, created_at, updated_at
		FROM daily_batches
		WHERE vehicle_id = $1 AND batch_date = $2
	`

	var batch db.DailyBatch
	err := r.pool.QueryRow(ctx, query, vehicleID, dayStart).Scan(
		&batch.ID,
		&batch.VehicleID,
		&batch.BatchDate,
		&batch.ReadingCount,
		&batch.Digest,
		&batch.AnchorStatus,
		&batch.AnchorReference,
		&batch.RetryCount,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("daily batch %s/%s: %w", vehicleID, dayStart.Format("2006-01-02"), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query daily batch: %w", err)
	}

	return &batch, nil
}

// UpsertPendingBatch creates or refreshes the single batch row for a
// (vehicle, day) key and puts it back into pending. An already-anchored row
// is never touched; the stored row is returned either way.
func (r *Repository) UpsertPendingBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string, readingCount int) (*db.DailyBatch, error) {
	dayStart, _ := dayBounds(date)
	now := time.Now().UTC()

	query := `
		INSERT INTO daily_batches (
			id, vehicle_id, batch_date, reading_count, digest,
			anchor_status, retry_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (vehicle_id, batch_date) DO UPDATE
		SET reading_count = EXCLUDED.reading_count,
		    digest = EXCLUDED.digest,
		    anchor_status = EXCLUDED.anchor_status,
		    updated_at = EXCLUDED.updated_at
		WHERE daily_batches.anchor_status <> 'anchored'
	`

	_, err := r.pool.Exec(ctx, query,
		uuid.New(), vehicleID, dayStart, readingCount, digest, db.AnchorPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert daily batch: %w", err)
	}

	return r.GetDailyBatch(ctx, vehicleID, dayStart)
}

// MarkBatchAnchored records a successful anchor submission
func (r *Repository) MarkBatchAnchored(ctx context.Context, batchID uuid.UUID, reference string) error {
	query := `
		UPDATE daily_batches
		SET anchor_status = $2, anchor_reference = $3, updated_at = $4
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, batchID, db.AnchorAnchored, reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark batch anchored: %w", err)
	}

	return nil
}

// MarkBatchFailed records a failed anchor submission and bumps the retry count
func (r *Repository) MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error {
	query := `
		UPDATE daily_batches
		SET anchor_status = $2, retry_count = retry_count + 1, updated_at = $3
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, batchID, db.AnchorFailed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}

	return nil
}

// ListRetryableBatches returns pending or failed batches last touched before
// the cutoff that have not exhausted their retries
func (r *Repository) ListRetryableBatches(ctx context.Context, before time.Time, maxRetries int) ([]db.DailyBatch, error) {
	query := `
		SELECT id, vehicle_id, batch_date, reading_count, digest,
		       anchor_status, anchor_reference, retry_count, created_at, updated_at
		FROM daily_batches
		WHERE anchor_status IN ($1, $2)
		  AND retry_count < $3
		  AND updated_at < $4
		ORDER BY updated_at ASC
	`

	rows, err := r.pool.Query(ctx, query, db.AnchorPending, db.AnchorFailed, maxRetries, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable batches: %w", err)
	}
	defer rows.Close()

	var batches []db.DailyBatch
	for rows.Next() {
		var batch db.DailyBatch
		err := rows.Scan(
			&batch.ID,
			&batch.VehicleID,
			&batch.BatchDate,
			&batch.ReadingCount,
			&batch.Digest,
			&batch.AnchorStatus,
			&batch.AnchorReference,
			&batch.RetryCount,
			&batch.CreatedAt,
			&batch.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return batches, nil
}

// dayBounds returns the UTC [start, end) bounds of the calendar day
// containing t
func dayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

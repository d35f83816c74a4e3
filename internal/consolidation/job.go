package consolidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/anchor"
	"github.com/veridrive/mileage-trust-worker/internal/config"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyAnchored is returned when a (vehicle, day) key already has an
// anchored batch. Callers treat it as success; it exists so redundant
// triggers are visible in logs.
var ErrAlreadyAnchored = errors.New("batch already anchored")

// ErrNoReadings is returned when a (vehicle, day) key has no accepted
// readings to consolidate.
var ErrNoReadings = errors.New("no accepted readings for day")

// Store is the persistence the job needs
type Store interface {
	ListVehiclesWithReadings(ctx context.Context, date time.Time) ([]uuid.UUID, error)
	ListAcceptedReadings(ctx context.Context, vehicleID uuid.UUID, date time.Time) ([]db.TelemetryReading, error)
	GetDailyBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time) (*db.DailyBatch, error)
	UpsertPendingBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string, readingCount int) (*db.DailyBatch, error)
	MarkBatchAnchored(ctx context.Context, batchID uuid.UUID, reference string) error
	MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error
	ListRetryableBatches(ctx context.Context, before time.Time, maxRetries int) ([]db.DailyBatch, error)
}

// Job consolidates each vehicle's day of accepted readings into a digest and
// anchors it to the external ledger. Vehicles are independent units of work:
// one failure or timeout never blocks the others, and a failed anchor is
// retried on the next scheduled pass rather than in a loop.
type Job struct {
	store  Store
	anchor anchor.Client
	cfg    config.ConsolidationConfig
	logger *zap.Logger
}

// NewJob creates a consolidation job
func NewJob(store Store, anchorClient anchor.Client, cfg config.ConsolidationConfig, logger *zap.Logger) *Job {
	return &Job{
		store:  store,
		anchor: anchorClient,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes one scheduled pass: consolidate the previous UTC day for
// every vehicle with new accepted readings, then sweep older pending and
// failed batches that still have retries left.
func (j *Job) Run(ctx context.Context) error {
	started := time.Now().UTC()
	targetDate := started.AddDate(0, 0, -1)

	j.logger.Info("consolidation run started",
		zap.String("target_date", targetDate.Format("2006-01-02")),
	)

	consolidated, err := j.consolidateDate(ctx, targetDate)
	if err != nil {
		return fmt.Errorf("consolidation pass failed: %w", err)
	}

	retried := j.sweepRetryable(ctx, started)

	j.logger.Info("consolidation run finished",
		zap.Int("vehicles_consolidated", consolidated),
		zap.Int("batches_retried", retried),
		zap.Duration("elapsed", time.Since(started)),
	)

	return nil
}

// consolidateDate fans out ConsolidateDay over all vehicles with accepted
// readings for the date, with bounded concurrency so the anchor service is
// not overwhelmed.
func (j *Job) consolidateDate(ctx context.Context, date time.Time) (int, error) {
	vehicles, err := j.store.ListVehiclesWithReadings(ctx, date)
	if err != nil {
		return 0, err
	}
	if len(vehicles) == 0 {
		return 0, nil
	}

	g := &errgroup.Group{}
	g.SetLimit(j.cfg.VehicleConcurrency)

	for _, vehicleID := range vehicles {
		vehicleID := vehicleID
		g.Go(func() error {
			vehicleCtx, cancel := context.WithTimeout(ctx, j.cfg.VehicleTimeout)
			defer cancel()

			err := j.ConsolidateDay(vehicleCtx, vehicleID, date)
			if err != nil && !errors.Is(err, ErrAlreadyAnchored) && !errors.Is(err, ErrNoReadings) {
				// Anchoring failures are non-fatal to the run; the batch is
				// marked failed and picked up by the next sweep
				j.logger.Error("failed to consolidate vehicle day",
					zap.Error(err),
					zap.String("vehicle_id", vehicleID.String()),
					zap.String("date", date.Format("2006-01-02")),
				)
			}
			return nil
		})
	}

	// Workers never return errors; Wait only orders completion
	_ = g.Wait()

	return len(vehicles), nil
}

// ConsolidateDay consolidates and anchors one (vehicle, day) key. Both the
// scheduler and the ingest path's end-of-day hint call this; the
// already-anchored check makes redundant calls safe.
func (j *Job) ConsolidateDay(ctx context.Context, vehicleID uuid.UUID, date time.Time) error {
	existing, err := j.store.GetDailyBatch(ctx, vehicleID, date)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if existing != nil && existing.AnchorStatus == db.AnchorAnchored {
		return ErrAlreadyAnchored
	}

	readings, err := j.store.ListAcceptedReadings(ctx, vehicleID, date)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		return ErrNoReadings
	}

	digest := ComputeDigest(readings)

	batch, err := j.store.UpsertPendingBatch(ctx, vehicleID, date, digest, len(readings))
	if err != nil {
		return err
	}
	if batch.AnchorStatus == db.AnchorAnchored {
		// A concurrent trigger anchored this key between the check and the
		// upsert; the upsert left the anchored row untouched
		return ErrAlreadyAnchored
	}

	return j.anchorBatch(ctx, batch)
}

// anchorBatch submits one pending batch to the ledger. No vehicle-state lock
// is held across the call; the submission timeout comes from the caller's
// context and the anchor client's own timeout.
func (j *Job) anchorBatch(ctx context.Context, batch *db.DailyBatch) error {
	reference, err := j.anchor.Submit(ctx, batch.VehicleID, batch.BatchDate, batch.Digest)
	if err != nil {
		if markErr := j.store.MarkBatchFailed(ctx, batch.ID); markErr != nil {
			j.logger.Error("failed to mark batch failed",
				zap.Error(markErr),
				zap.String("batch_id", batch.ID.String()),
			)
		}
		return fmt.Errorf("anchor submission for batch %s failed: %w", batch.ID, err)
	}

	if err := j.store.MarkBatchAnchored(ctx, batch.ID, reference); err != nil {
		return fmt.Errorf("failed to record anchor reference: %w", err)
	}

	j.logger.Info("daily batch anchored",
		zap.String("batch_id", batch.ID.String()),
		zap.String("vehicle_id", batch.VehicleID.String()),
		zap.String("date", batch.BatchDate.Format("2006-01-02")),
		zap.Int("reading_count", batch.ReadingCount),
		zap.String("anchor_reference", reference),
	)

	return nil
}

// sweepRetryable re-anchors pending and failed batches from earlier runs.
// Batches that have exhausted MaxAnchorRetries are excluded by the query and
// stay failed for operator escalation.
func (j *Job) sweepRetryable(ctx context.Context, runStarted time.Time) int {
	batches, err := j.store.ListRetryableBatches(ctx, runStarted, j.cfg.MaxAnchorRetries)
	if err != nil {
		j.logger.Error("failed to list retryable batches", zap.Error(err))
		return 0
	}

	retried := 0
	for _, batch := range batches {
		batch := batch
		batchCtx, cancel := context.WithTimeout(ctx, j.cfg.VehicleTimeout)
		err := j.anchorBatch(batchCtx, &batch)
		cancel()

		if err != nil {
			j.logger.Warn("batch retry failed, will retry next run",
				zap.Error(err),
				zap.String("batch_id", batch.ID.String()),
				zap.Int("retry_count", batch.RetryCount+1),
			)
			if batch.RetryCount+1 >= j.cfg.MaxAnchorRetries {
				j.logger.Error("batch exhausted anchor retries, needs operator attention",
					zap.String("batch_id", batch.ID.String()),
					zap.String("vehicle_id", batch.VehicleID.String()),
					zap.String("date", batch.BatchDate.Format("2006-01-02")),
				)
			}
			continue
		}
		retried++
	}

	return retried
}

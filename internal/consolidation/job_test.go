package consolidation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/config"
	"github.com/veridrive/mileage-trust-worker/internal/consolidation"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"go.uber.org/zap"
)

func batchKey(vehicleID uuid.UUID, date time.Time) string {
	return vehicleID.String() + "|" + date.UTC().Format("2006-01-02")
}

type fakeBatchStore struct {
	mu       sync.Mutex
	readings []db.TelemetryReading
	batches  map[string]*db.DailyBatch

	listVehicleCalls int
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[string]*db.DailyBatch)}
}

func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.YearDay() == bu.YearDay()
}

func (f *fakeBatchStore) addReading(vehicleID uuid.UUID, mileage int64, at time.Time, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, db.TelemetryReading{
		ID:               uuid.New(),
		VehicleID:        vehicleID,
		ReportedMileage:  mileage,
		ReceivedAt:       at,
		ValidationStatus: status,
	})
}

func (f *fakeBatchStore) ListVehiclesWithReadings(ctx context.Context, date time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listVehicleCalls++

	seen := make(map[uuid.UUID]bool)
	var vehicles []uuid.UUID
	for _, r := range f.readings {
		if !sameDay(r.ReceivedAt, date) || (r.ValidationStatus != db.StatusValid && r.ValidationStatus != db.StatusSuspicious) {
			continue
		}
		if batch, ok := f.batches[batchKey(r.VehicleID, date)]; ok && batch.AnchorStatus == db.AnchorAnchored {
			continue
		}
		if !seen[r.VehicleID] {
			seen[r.VehicleID] = true
			vehicles = append(vehicles, r.VehicleID)
		}
	}
	return vehicles, nil
}

func (f *fakeBatchStore) ListAcceptedReadings(ctx context.Context, vehicleID uuid.UUID, date time.Time) ([]db.TelemetryReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []db.TelemetryReading
	for _, r := range f.readings {
		if r.VehicleID == vehicleID && sameDay(r.ReceivedAt, date) &&
			(r.ValidationStatus == db.StatusValid || r.ValidationStatus == db.StatusSuspicious) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBatchStore) GetDailyBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time) (*db.DailyBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch, ok := f.batches[batchKey(vehicleID, date)]
	if !ok {
		return nil, fmt.Errorf("daily batch: %w", repository.ErrNotFound)
	}
	copied := *batch
	return &copied, nil
}

func (f *fakeBatchStore) UpsertPendingBatch(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string, readingCount int) (*db.DailyBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := batchKey(vehicleID, date)
	if existing, ok := f.batches[key]; ok {
		if existing.AnchorStatus != db.AnchorAnchored {
			existing.Digest = digest
			existing.ReadingCount = readingCount
			existing.AnchorStatus = db.AnchorPending
			existing.UpdatedAt = time.Now().UTC()
		}
		copied := *existing
		return &copied, nil
	}

	batch := &db.DailyBatch{
		ID:           uuid.New(),
		VehicleID:    vehicleID,
		BatchDate:    date.UTC().Truncate(24 * time.Hour),
		ReadingCount: readingCount,
		Digest:       digest,
		AnchorStatus: db.AnchorPending,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.batches[key] = batch
	copied := *batch
	return &copied, nil
}

func (f *fakeBatchStore) MarkBatchAnchored(ctx context.Context, batchID uuid.UUID, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, batch := range f.batches {
		if batch.ID == batchID {
			batch.AnchorStatus = db.AnchorAnchored
			batch.AnchorReference = &reference
			batch.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.New("batch not found")
}

func (f *fakeBatchStore) MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, batch := range f.batches {
		if batch.ID == batchID {
			batch.AnchorStatus = db.AnchorFailed
			batch.RetryCount++
			batch.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.New("batch not found")
}

func (f *fakeBatchStore) ListRetryableBatches(ctx context.Context, before time.Time, maxRetries int) ([]db.DailyBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []db.DailyBatch
	for _, batch := range f.batches {
		if (batch.AnchorStatus == db.AnchorPending || batch.AnchorStatus == db.AnchorFailed) &&
			batch.RetryCount < maxRetries && batch.UpdatedAt.Before(before) {
			out = append(out, *batch)
		}
	}
	return out, nil
}

func (f *fakeBatchStore) batch(vehicleID uuid.UUID, date time.Time) *db.DailyBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[batchKey(vehicleID, date)]
}

type fakeAnchor struct {
	mu      sync.Mutex
	submits int
	failFor map[uuid.UUID]bool
}

func (f *fakeAnchor) Submit(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.failFor[vehicleID] {
		return "", errors.New("ledger unavailable")
	}
	return fmt.Sprintf("ledger-ref-%d", f.submits), nil
}

func testJobConfig() config.ConsolidationConfig {
	return config.ConsolidationConfig{
		Interval:           time.Hour,
		VehicleConcurrency: 4,
		VehicleTimeout:     time.Second,
		MaxAnchorRetries:   5,
	}
}

func TestConsolidateDay_AnchorsOnce(t *testing.T) {
	store := newFakeBatchStore()
	anchorClient := &fakeAnchor{}
	job := consolidation.NewJob(store, anchorClient, testJobConfig(), zap.NewNop())

	vehicleID := uuid.New()
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	store.addReading(vehicleID, 65081, day.Add(8*time.Hour), db.StatusValid)
	store.addReading(vehicleID, 65093, day.Add(12*time.Hour), db.StatusValid)
	store.addReading(vehicleID, 65101, day.Add(18*time.Hour), db.StatusSuspicious)

	if err := job.ConsolidateDay(context.Background(), vehicleID, day); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	batch := store.batch(vehicleID, day)
	if batch == nil {
		t.Fatal("Expected a batch to be created")
	}
	if batch.AnchorStatus != db.AnchorAnchored {
		t.Errorf("Expected anchored, got %s", batch.AnchorStatus)
	}
	if batch.AnchorReference == nil || *batch.AnchorReference == "" {
		t.Error("Expected an anchor reference")
	}
	if batch.ReadingCount != 3 {
		t.Errorf("Expected reading count 3, got %d", batch.ReadingCount)
	}

	// Second run is idempotent: still one anchored batch, no new submission
	err := job.ConsolidateDay(context.Background(), vehicleID, day)
	if !errors.Is(err, consolidation.ErrAlreadyAnchored) {
		t.Errorf("Expected ErrAlreadyAnchored, got %v", err)
	}
	if anchorClient.submits != 1 {
		t.Errorf("Expected exactly one submission, got %d", anchorClient.submits)
	}
}

func TestConsolidateDay_NoReadings(t *testing.T) {
	store := newFakeBatchStore()
	job := consolidation.NewJob(store, &fakeAnchor{}, testJobConfig(), zap.NewNop())

	err := job.ConsolidateDay(context.Background(), uuid.New(), time.Now().UTC())
	if !errors.Is(err, consolidation.ErrNoReadings) {
		t.Errorf("Expected ErrNoReadings, got %v", err)
	}
}

func TestConsolidateDay_AnchorFailureMarksFailed(t *testing.T) {
	store := newFakeBatchStore()
	vehicleID := uuid.New()
	anchorClient := &fakeAnchor{failFor: map[uuid.UUID]bool{vehicleID: true}}
	job := consolidation.NewJob(store, anchorClient, testJobConfig(), zap.NewNop())

	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	store.addReading(vehicleID, 65081, day.Add(8*time.Hour), db.StatusValid)

	err := job.ConsolidateDay(context.Background(), vehicleID, day)
	if err == nil {
		t.Fatal("Expected anchor failure to surface")
	}

	batch := store.batch(vehicleID, day)
	if batch == nil {
		t.Fatal("Expected the pending batch to exist")
	}
	if batch.AnchorStatus != db.AnchorFailed {
		t.Errorf("Expected failed, got %s", batch.AnchorStatus)
	}
	if batch.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", batch.RetryCount)
	}
}

func TestRun_IsolatesVehicleFailures(t *testing.T) {
	store := newFakeBatchStore()
	healthy := uuid.New()
	broken := uuid.New()
	anchorClient := &fakeAnchor{failFor: map[uuid.UUID]bool{broken: true}}
	job := consolidation.NewJob(store, anchorClient, testJobConfig(), zap.NewNop())

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	store.addReading(healthy, 1000, yesterday, db.StatusValid)
	store.addReading(broken, 2000, yesterday, db.StatusValid)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("One vehicle's failure must not fail the run: %v", err)
	}

	if batch := store.batch(healthy, yesterday); batch == nil || batch.AnchorStatus != db.AnchorAnchored {
		t.Error("Expected the healthy vehicle's batch anchored")
	}
	if batch := store.batch(broken, yesterday); batch == nil || batch.AnchorStatus != db.AnchorFailed {
		t.Error("Expected the broken vehicle's batch failed for later retry")
	}
}

func TestRun_SweepRetriesFailedBatches(t *testing.T) {
	store := newFakeBatchStore()
	anchorClient := &fakeAnchor{}
	job := consolidation.NewJob(store, anchorClient, testJobConfig(), zap.NewNop())

	// A batch left failed by an earlier run, anchor now healthy
	vehicleID := uuid.New()
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	store.batches[batchKey(vehicleID, day)] = &db.DailyBatch{
		ID:           uuid.New(),
		VehicleID:    vehicleID,
		BatchDate:    day,
		ReadingCount: 2,
		Digest:       "abc123",
		AnchorStatus: db.AnchorFailed,
		RetryCount:   2,
		UpdatedAt:    time.Now().UTC().Add(-2 * time.Hour),
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	batch := store.batch(vehicleID, day)
	if batch.AnchorStatus != db.AnchorAnchored {
		t.Errorf("Expected swept batch anchored, got %s", batch.AnchorStatus)
	}
}

func TestRun_SweepSkipsExhaustedBatches(t *testing.T) {
	store := newFakeBatchStore()
	anchorClient := &fakeAnchor{}
	cfg := testJobConfig()
	job := consolidation.NewJob(store, anchorClient, cfg, zap.NewNop())

	vehicleID := uuid.New()
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	store.batches[batchKey(vehicleID, day)] = &db.DailyBatch{
		ID:           uuid.New(),
		VehicleID:    vehicleID,
		BatchDate:    day,
		Digest:       "abc123",
		AnchorStatus: db.AnchorFailed,
		RetryCount:   cfg.MaxAnchorRetries,
		UpdatedAt:    time.Now().UTC().Add(-2 * time.Hour),
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if anchorClient.submits != 0 {
		t.Errorf("Exhausted batch must not be retried, got %d submissions", anchorClient.submits)
	}
	if batch := store.batch(vehicleID, day); batch.AnchorStatus != db.AnchorFailed {
		t.Errorf("Expected batch left failed, got %s", batch.AnchorStatus)
	}
}

package trust_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"github.com/veridrive/mileage-trust-worker/internal/trust"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu     sync.Mutex
	score  int
	events []*db.TrustEvent

	// concurrentBumps injects a conflicting score change before each of the
	// first N ApplyTrustEvent calls
	concurrentBumps int
}

func (f *fakeStore) GetTrustScore(ctx context.Context, vehicleID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.score, nil
}

func (f *fakeStore) ApplyTrustEvent(ctx context.Context, event *db.TrustEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.concurrentBumps > 0 {
		f.concurrentBumps--
		f.score = trust.Clamp(f.score - 1)
	}

	if event.PreviousScore != f.score {
		return repository.ErrTrustConflict
	}

	f.score = event.NewScore
	f.events = append(f.events, event)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*db.TrustEvent
	err    error
}

func (f *fakeNotifier) NotifyTrustChanged(ctx context.Context, event *db.TrustEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func TestApplyDelta_Penalty(t *testing.T) {
	store := &fakeStore{score: 100}
	notifier := &fakeNotifier{}
	engine := trust.NewEngine(store, notifier, zap.NewNop())

	newScore, err := engine.ApplyDelta(context.Background(), uuid.New(), -30, "odometer rollback", db.SourceTelemetry)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if newScore != 70 {
		t.Errorf("Expected score 70, got %d", newScore)
	}
	if len(store.events) != 1 {
		t.Fatalf("Expected 1 trust event, got %d", len(store.events))
	}

	event := store.events[0]
	if event.Change != -30 || event.PreviousScore != 100 || event.NewScore != 70 {
		t.Errorf("Unexpected event: change=%d prev=%d new=%d", event.Change, event.PreviousScore, event.NewScore)
	}
	if len(notifier.events) != 1 {
		t.Errorf("Expected notifier to be called once, got %d", len(notifier.events))
	}
}

func TestApplyDelta_ClampsAtFloor(t *testing.T) {
	store := &fakeStore{score: 100}
	engine := trust.NewEngine(store, nil, zap.NewNop())
	vehicleID := uuid.New()

	// Repeated rollbacks never drive the score below 0
	for i := 0; i < 5; i++ {
		if _, err := engine.ApplyDelta(context.Background(), vehicleID, -30, "rollback", db.SourceTelemetry); err != nil {
			t.Fatalf("Unexpected error on iteration %d: %v", i, err)
		}
	}

	if store.score != 0 {
		t.Errorf("Expected score clamped at 0, got %d", store.score)
	}

	// The intended change is still recorded even when clamping absorbed it
	last := store.events[len(store.events)-1]
	if last.Change != -30 {
		t.Errorf("Expected recorded change -30, got %d", last.Change)
	}
	if last.NewScore != 0 {
		t.Errorf("Expected clamped new score 0, got %d", last.NewScore)
	}
}

func TestApplyDelta_ClampsAtCeiling(t *testing.T) {
	store := &fakeStore{score: 95}
	engine := trust.NewEngine(store, nil, zap.NewNop())

	newScore, err := engine.ApplyDelta(context.Background(), uuid.New(), 20, "verified service history", db.SourceAdmin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if newScore != 100 {
		t.Errorf("Expected score capped at 100, got %d", newScore)
	}
}

func TestApplyDelta_RetriesOnceOnConflict(t *testing.T) {
	store := &fakeStore{score: 80, concurrentBumps: 1}
	engine := trust.NewEngine(store, nil, zap.NewNop())

	newScore, err := engine.ApplyDelta(context.Background(), uuid.New(), -10, "rollback", db.SourceTelemetry)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}

	// Concurrent bump took 80 -> 79, then our delta landed: 79 -> 69
	if newScore != 69 {
		t.Errorf("Expected score 69 after retry, got %d", newScore)
	}
}

func TestApplyDelta_GivesUpAfterRetry(t *testing.T) {
	store := &fakeStore{score: 80, concurrentBumps: 2}
	engine := trust.NewEngine(store, nil, zap.NewNop())

	_, err := engine.ApplyDelta(context.Background(), uuid.New(), -10, "rollback", db.SourceTelemetry)
	if err == nil {
		t.Fatal("Expected error after two conflicts")
	}
	if !errors.Is(err, repository.ErrTrustConflict) {
		t.Errorf("Expected wrapped ErrTrustConflict, got %v", err)
	}
}

func TestApplyDelta_NotifierFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{score: 100}
	notifier := &fakeNotifier{err: errors.New("broker down")}
	engine := trust.NewEngine(store, notifier, zap.NewNop())

	newScore, err := engine.ApplyDelta(context.Background(), uuid.New(), -30, "rollback", db.SourceTelemetry)
	if err != nil {
		t.Fatalf("Notification failure must not fail the score change: %v", err)
	}
	if newScore != 70 {
		t.Errorf("Expected score 70, got %d", newScore)
	}
	if len(store.events) != 1 {
		t.Errorf("Expected event persisted despite notifier failure, got %d", len(store.events))
	}
}

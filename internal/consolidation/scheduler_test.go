package consolidation_test

import (
	"context"
	"testing"
	"time"

	"github.com/veridrive/mileage-trust-worker/internal/consolidation"
	"go.uber.org/zap"
)

type fakeTicker struct {
	c chan time.Time
}

func (f *fakeTicker) Chan() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()                  {}

type fakeClock struct {
	now    time.Time
	ticker *fakeTicker
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Ticker(d time.Duration) consolidation.Ticker { return f.ticker }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScheduler_RunsJobOnTick(t *testing.T) {
	store := newFakeBatchStore()
	job := consolidation.NewJob(store, &fakeAnchor{}, testJobConfig(), zap.NewNop())

	clock := &fakeClock{
		now:    time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC),
		ticker: &fakeTicker{c: make(chan time.Time)},
	}
	scheduler := consolidation.NewSchedulerWithClock(job, time.Hour, clock, zap.NewNop())

	scheduler.Start(context.Background())
	defer scheduler.Stop()

	running, nextRun := scheduler.Status()
	if !running {
		t.Error("Expected scheduler running after Start")
	}
	if !nextRun.Equal(clock.now.Add(time.Hour)) {
		t.Errorf("Expected next run at %v, got %v", clock.now.Add(time.Hour), nextRun)
	}

	clock.ticker.c <- clock.now
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listVehicleCalls == 1
	}, "Expected one job run after first tick")

	clock.ticker.c <- clock.now
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listVehicleCalls == 2
	}, "Expected a second job run after second tick")
}

func TestScheduler_StopHaltsLoop(t *testing.T) {
	store := newFakeBatchStore()
	job := consolidation.NewJob(store, &fakeAnchor{}, testJobConfig(), zap.NewNop())

	clock := &fakeClock{
		now:    time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC),
		ticker: &fakeTicker{c: make(chan time.Time, 1)},
	}
	scheduler := consolidation.NewSchedulerWithClock(job, time.Hour, clock, zap.NewNop())

	scheduler.Start(context.Background())
	scheduler.Stop()

	running, _ := scheduler.Status()
	if running {
		t.Error("Expected scheduler stopped after Stop")
	}

	// Ticks after Stop are ignored
	clock.ticker.c <- clock.now
	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	calls := store.listVehicleCalls
	store.mu.Unlock()
	if calls != 0 {
		t.Errorf("Expected no job runs after Stop, got %d", calls)
	}
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	store := newFakeBatchStore()
	job := consolidation.NewJob(store, &fakeAnchor{}, testJobConfig(), zap.NewNop())

	clock := &fakeClock{
		now:    time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC),
		ticker: &fakeTicker{c: make(chan time.Time)},
	}
	scheduler := consolidation.NewSchedulerWithClock(job, time.Hour, clock, zap.NewNop())

	scheduler.Start(context.Background())
	scheduler.Start(context.Background()) // no-op
	defer scheduler.Stop()

	clock.ticker.c <- clock.now
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listVehicleCalls >= 1
	}, "Expected the single loop to run")

	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	calls := store.listVehicleCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected exactly one loop consuming ticks, got %d runs", calls)
	}
}

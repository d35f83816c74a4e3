package consolidation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for scheduler tests
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker for scheduler tests
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Ticker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time {
	return r.t.C
}

func (r *realTicker) Stop() {
	r.t.Stop()
}

// Scheduler runs the consolidation job on a fixed interval. It owns its own
// state (running, next run time) behind a mutex so there is no package-level
// job state and it survives restarts cleanly.
type Scheduler struct {
	job      *Job
	interval time.Duration
	clock    Clock
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a scheduler for the job
func NewScheduler(job *Job, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		job:      job,
		interval: interval,
		clock:    realClock{},
		logger:   logger,
	}
}

// NewSchedulerWithClock creates a scheduler with an injected clock for tests
func NewSchedulerWithClock(job *Job, interval time.Duration, clock Clock, logger *zap.Logger) *Scheduler {
	s := NewScheduler(job, interval, logger)
	s.clock = clock
	return s
}

// Start begins the scheduling loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.nextRun = s.clock.Now().Add(s.interval)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("consolidation scheduler started",
		zap.Duration("interval", s.interval),
		zap.Time("next_run", s.nextRun),
	)

	go s.loop(runCtx, s.done)
}

// Stop halts the scheduling loop and waits for it to exit. An in-flight run
// is cancelled through its context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("consolidation scheduler stopped")
}

// Status reports whether the loop is running and when the next run is due
func (s *Scheduler) Status() (running bool, nextRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.nextRun
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.mu.Lock()
			s.nextRun = s.clock.Now().Add(s.interval)
			s.mu.Unlock()

			if err := s.job.Run(ctx); err != nil {
				s.logger.Error("consolidation run failed", zap.Error(err))
			}
		}
	}
}

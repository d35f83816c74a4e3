package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"go.uber.org/zap"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// trustAttempts bounds the read-then-apply loop when another writer moves
// the score between our read and our conditional update.
const trustAttempts = 2

// Store is the persistence the engine needs
type Store interface {
	GetTrustScore(ctx context.Context, vehicleID uuid.UUID) (int, error)
	ApplyTrustEvent(ctx context.Context, event *db.TrustEvent) error
}

// Notifier receives trust change notifications after they are persisted.
// Delivery is best-effort; failures must not roll back the score change.
type Notifier interface {
	NotifyTrustChanged(ctx context.Context, event *db.TrustEvent) error
}

// Engine applies bounded trust score deltas and appends the audit log
type Engine struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewEngine creates a trust score engine
func NewEngine(store Store, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Clamp bounds a score to [MinScore, MaxScore]
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ApplyDelta applies a signed score change for a vehicle, clamped to the
// score bounds, and appends a TrustEvent recording the intended change.
// Returns the new (clamped) score.
func (e *Engine) ApplyDelta(ctx context.Context, vehicleID uuid.UUID, change int, reason, source string) (int, error) {
	var lastErr error

	for attempt := 0; attempt < trustAttempts; attempt++ {
		current, err := e.store.GetTrustScore(ctx, vehicleID)
		if err != nil {
			return 0, fmt.Errorf("failed to read trust score: %w", err)
		}

		event := &db.TrustEvent{
			ID:            uuid.New(),
			VehicleID:     vehicleID,
			Change:        change,
			PreviousScore: current,
			NewScore:      Clamp(current + change),
			Reason:        reason,
			Source:        source,
			CreatedAt:     time.Now().UTC(),
		}

		err = e.store.ApplyTrustEvent(ctx, event)
		if errors.Is(err, repository.ErrTrustConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to apply trust event: %w", err)
		}

		e.logger.Info("trust score changed",
			zap.String("vehicle_id", vehicleID.String()),
			zap.Int("change", change),
			zap.Int("previous_score", event.PreviousScore),
			zap.Int("new_score", event.NewScore),
			zap.String("source", source),
		)

		if e.notifier != nil {
			if nerr := e.notifier.NotifyTrustChanged(ctx, event); nerr != nil {
				e.logger.Error("failed to notify trust change",
					zap.Error(nerr),
					zap.String("vehicle_id", vehicleID.String()),
				)
			}
		}

		return event.NewScore, nil
	}

	return 0, fmt.Errorf("trust update for %s did not settle: %w", vehicleID, lastErr)
}

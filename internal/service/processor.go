package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/config"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/fraud"
	"github.com/veridrive/mileage-trust-worker/internal/logging"
	"github.com/veridrive/mileage-trust-worker/internal/mq"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"github.com/veridrive/mileage-trust-worker/internal/validator"
	"github.com/veridrive/mileage-trust-worker/tools/timeparser"
	"go.uber.org/zap"
)

// Sentinel errors surfaced to ingestion callers.
var (
	// ErrInvalidInput marks malformed or missing reading fields; the
	// reading is rejected before classification and never persisted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVehicleNotFound marks readings for vehicles without a state row.
	ErrVehicleNotFound = errors.New("vehicle not found")

	// ErrRetryExhausted marks an optimistic-concurrency conflict that
	// persisted after one retry; the reading is stored pending and is safe
	// to re-submit.
	ErrRetryExhausted = errors.New("concurrent mileage update, retry exhausted")
)

// casAttempts is the initial attempt plus exactly one retry after a
// compare-and-swap conflict.
const casAttempts = 2

// IngestMessage is the normalized reading the gateway publishes. The
// gateway resolves producer field aliases; this worker only accepts the
// canonical reported_mileage.
type IngestMessage struct {
	RequestID       string `json:"request_id"`
	VehicleID       string `json:"vehicle_id"`
	DeviceID        string `json:"device_id"`
	ReportedMileage *int64 `json:"reported_mileage"`
	ReceivedAt      string `json:"received_at"`
	EndOfDay        bool   `json:"end_of_day"`
}

// OverrideMessage is an administrative mileage correction
type OverrideMessage struct {
	RequestID string `json:"request_id"`
	VehicleID string `json:"vehicle_id"`
	Mileage   *int64 `json:"mileage"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

// Outcome is the validator response surfaced to callers
type Outcome struct {
	TelemetryID     uuid.UUID
	Status          string
	PreviousMileage int64
	ReportedMileage int64
	Delta           int64
	Flagged         bool
	Reason          string
}

// StateStore is the vehicle state and reading persistence the processor needs
type StateStore interface {
	GetVehicleState(ctx context.Context, vehicleID uuid.UUID) (*db.VehicleMileageState, error)
	CompareAndSwapMileage(ctx context.Context, vehicleID uuid.UUID, prev, next int64, at time.Time) (bool, error)
	OverrideMileage(ctx context.Context, vehicleID uuid.UUID, mileage int64, at time.Time) error
	InsertTelemetryReading(ctx context.Context, reading *db.TelemetryReading) error
}

// TrustApplier applies trust score deltas
type TrustApplier interface {
	ApplyDelta(ctx context.Context, vehicleID uuid.UUID, change int, reason, source string) (int, error)
}

// AlertRaiser raises fraud alerts
type AlertRaiser interface {
	Raise(ctx context.Context, vehicleID, telemetryID uuid.UUID, alertType, severity, description string) (*db.FraudAlert, error)
}

// EventPublisher publishes validation events
type EventPublisher interface {
	PublishValidationEvent(ctx context.Context, event mq.ValidationEvent, routingKey string) error
}

// Consolidator triggers on-demand daily consolidation
type Consolidator interface {
	ConsolidateDay(ctx context.Context, vehicleID uuid.UUID, date time.Time) error
}

// ProcessorService validates incoming odometer readings, maintains the
// authoritative per-vehicle mileage via compare-and-swap, and fans out the
// trust and fraud side effects.
type ProcessorService struct {
	store        StateStore
	classifier   *validator.Classifier
	trustEngine  TrustApplier
	alerts       AlertRaiser
	publisher    EventPublisher
	consolidator Consolidator
	cfg          *config.Config
	logger       *zap.Logger
}

// NewProcessorService creates a new processor service. consolidator may be
// nil, in which case end-of-day hints are ignored.
func NewProcessorService(
	store StateStore,
	classifier *validator.Classifier,
	trustEngine TrustApplier,
	alerts AlertRaiser,
	publisher EventPublisher,
	consolidator Consolidator,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		store:        store,
		classifier:   classifier,
		trustEngine:  trustEngine,
		alerts:       alerts,
		publisher:    publisher,
		consolidator: consolidator,
		cfg:          cfg,
		logger:       logger,
	}
}

// ProcessMessage handles one raw reading message from the ingest queue
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: failed to unmarshal message: %v", ErrInvalidInput, err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)

	vehicleID, receivedAt, err := s.validateMessage(msg, time.Now().UTC())
	if err != nil {
		reqLogger.Warn("rejected malformed reading", zap.Error(err))
		return err
	}

	outcome, err := s.ValidateReading(ctx, vehicleID, msg.DeviceID, *msg.ReportedMileage, receivedAt, body)
	if err != nil {
		reqLogger.Error("failed to validate reading",
			zap.Error(err),
			zap.String("vehicle_id", vehicleID.String()),
		)
		return err
	}

	s.publishOutcome(ctx, msg.DeviceID, vehicleID, outcome, reqLogger)

	if msg.EndOfDay {
		s.triggerConsolidation(vehicleID, receivedAt, reqLogger)
	}

	reqLogger.Info("reading processed",
		zap.String("vehicle_id", vehicleID.String()),
		zap.String("status", outcome.Status),
		zap.Int64("reported_mileage", outcome.ReportedMileage),
		zap.Int64("delta", outcome.Delta),
	)

	return nil
}

// ValidateReading classifies one reading against the vehicle's last verified
// mileage, moves the authoritative value via compare-and-swap for accepted
// readings, persists the reading, and raises the rollback side effects.
func (s *ProcessorService) ValidateReading(
	ctx context.Context,
	vehicleID uuid.UUID,
	deviceID string,
	reportedMileage int64,
	receivedAt time.Time,
	rawPayload []byte,
) (*Outcome, error) {
	if reportedMileage < 0 {
		return nil, fmt.Errorf("%w: reported mileage must be non-negative", ErrInvalidInput)
	}

	state, err := s.store.GetVehicleState(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
		}
		return nil, err
	}

	prev := state.LastVerifiedMileage
	var result validator.Classification
	swapped := false

	for attempt := 0; attempt < casAttempts; attempt++ {
		result = s.classifier.Classify(prev, reportedMileage)
		if !result.Accepted() {
			break
		}

		if result.Delta <= 0 {
			// Within tolerance but no forward movement; the authoritative
			// mileage never decreases through the reading path
			swapped = true
			break
		}

		swapped, err = s.store.CompareAndSwapMileage(ctx, vehicleID, prev, reportedMileage, receivedAt)
		if err != nil {
			return nil, err
		}
		if swapped {
			break
		}

		// Lost the race; re-read the accepted mileage and classify again
		state, err = s.store.GetVehicleState(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
		prev = state.LastVerifiedMileage
	}

	reading := &db.TelemetryReading{
		ID:              uuid.New(),
		VehicleID:       vehicleID,
		DeviceID:        deviceID,
		ReportedMileage: reportedMileage,
		ReceivedAt:      receivedAt,
		RawPayload:      rawPayload,
	}

	if result.Accepted() && !swapped {
		// Both attempts conflicted. The reading stays pending so it can be
		// re-ingested, never silently dropped.
		reading.ValidationStatus = db.StatusPending
		if err := s.store.InsertTelemetryReading(ctx, reading); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: vehicle %s", ErrRetryExhausted, vehicleID)
	}

	reading.ValidationStatus = result.Status
	if result.Reason != "" {
		reason := result.Reason
		reading.ValidationReason = &reason
	}

	if err := s.store.InsertTelemetryReading(ctx, reading); err != nil {
		return nil, err
	}

	if result.Status == db.StatusRollbackDetected {
		s.handleRollback(ctx, reading, result)
	}

	return &Outcome{
		TelemetryID:     reading.ID,
		Status:          result.Status,
		PreviousMileage: prev,
		ReportedMileage: reportedMileage,
		Delta:           result.Delta,
		Flagged:         result.Flagged(),
		Reason:          result.Reason,
	}, nil
}

// handleRollback raises the fraud alert and trust penalty for a rollback
// reading. The authoritative mileage is left untouched so later legitimate
// readings are still validated against the pre-fraud value. Side-effect
// failures are logged, not returned: the reading itself is already
// classified and persisted.
func (s *ProcessorService) handleRollback(ctx context.Context, reading *db.TelemetryReading, result validator.Classification) {
	_, err := s.alerts.Raise(ctx,
		reading.VehicleID,
		reading.ID,
		fraud.AlertTypeOdometerRollback,
		db.SeverityHigh,
		result.Reason,
	)
	if err != nil {
		s.logger.Error("failed to raise rollback alert",
			zap.Error(err),
			zap.String("vehicle_id", reading.VehicleID.String()),
			zap.String("telemetry_id", reading.ID.String()),
		)
	}

	_, err = s.trustEngine.ApplyDelta(ctx,
		reading.VehicleID,
		-s.cfg.Trust.RollbackPenalty,
		result.Reason,
		db.SourceTelemetry,
	)
	if err != nil {
		s.logger.Error("failed to apply rollback trust penalty",
			zap.Error(err),
			zap.String("vehicle_id", reading.VehicleID.String()),
		)
	}
}

// ProcessOverrideMessage handles one administrative mileage override from
// the admin queue. The override bypasses classification but is always
// recorded as a zero-delta trust event so the audit log shows who moved the
// value and why.
func (s *ProcessorService) ProcessOverrideMessage(ctx context.Context, body []byte) error {
	var msg OverrideMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: failed to unmarshal override: %v", ErrInvalidInput, err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)

	vehicleID, err := uuid.Parse(msg.VehicleID)
	if err != nil {
		return fmt.Errorf("%w: invalid vehicle id %q", ErrInvalidInput, msg.VehicleID)
	}
	if msg.Mileage == nil || *msg.Mileage < 0 {
		return fmt.Errorf("%w: override mileage must be a non-negative integer", ErrInvalidInput)
	}
	if msg.Reason == "" {
		return fmt.Errorf("%w: override reason is required", ErrInvalidInput)
	}

	if err := s.store.OverrideMileage(ctx, vehicleID, *msg.Mileage, time.Now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
		}
		return err
	}

	reason := fmt.Sprintf("mileage override to %d by %s: %s", *msg.Mileage, msg.Actor, msg.Reason)
	if _, err := s.trustEngine.ApplyDelta(ctx, vehicleID, 0, reason, db.SourceAdmin); err != nil {
		reqLogger.Error("failed to record override trust event",
			zap.Error(err),
			zap.String("vehicle_id", vehicleID.String()),
		)
	}

	reqLogger.Info("mileage overridden",
		zap.String("vehicle_id", vehicleID.String()),
		zap.Int64("mileage", *msg.Mileage),
		zap.String("actor", msg.Actor),
	)

	return nil
}

func (s *ProcessorService) validateMessage(msg IngestMessage, now time.Time) (uuid.UUID, time.Time, error) {
	vehicleID, err := uuid.Parse(msg.VehicleID)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: invalid vehicle id %q", ErrInvalidInput, msg.VehicleID)
	}
	if msg.DeviceID == "" {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if msg.ReportedMileage == nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: reported_mileage is required", ErrInvalidInput)
	}
	if *msg.ReportedMileage < 0 {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: reported mileage must be non-negative", ErrInvalidInput)
	}

	receivedAt := now
	if msg.ReceivedAt != "" {
		receivedAt, err = timeparser.ParseDeviceTimestamp(msg.ReceivedAt)
		if err != nil {
			return uuid.Nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if !timeparser.IsWithinTolerance(receivedAt, now, s.cfg.Validation.TimestampToleranceMinutes) {
			return uuid.Nil, time.Time{}, fmt.Errorf("%w: timestamp outside tolerance window (±%d minutes)",
				ErrInvalidInput, s.cfg.Validation.TimestampToleranceMinutes)
		}
	}

	return vehicleID, receivedAt, nil
}

func (s *ProcessorService) publishOutcome(ctx context.Context, deviceID string, vehicleID uuid.UUID, outcome *Outcome, logger *zap.Logger) {
	routingKey := s.cfg.RabbitMQ.AcceptedRoutingKey
	if outcome.Flagged {
		routingKey = s.cfg.RabbitMQ.FlaggedRoutingKey
	}

	event := mq.ValidationEvent{
		TelemetryID:      outcome.TelemetryID.String(),
		VehicleID:        vehicleID.String(),
		DeviceID:         deviceID,
		ValidationStatus: outcome.Status,
		PreviousMileage:  outcome.PreviousMileage,
		ReportedMileage:  outcome.ReportedMileage,
		Delta:            outcome.Delta,
		Flagged:          outcome.Flagged,
		Reason:           outcome.Reason,
	}

	if err := s.publisher.PublishValidationEvent(ctx, event, routingKey); err != nil {
		// Persisted state is authoritative; a lost event is log-only
		logger.Error("failed to publish validation event",
			zap.Error(err),
			zap.String("vehicle_id", vehicleID.String()),
		)
	}
}

// triggerConsolidation kicks off a best-effort consolidation run for the
// reading's day. The scheduled job remains the source of truth; this hint
// may under- or over-trigger and both are safe.
func (s *ProcessorService) triggerConsolidation(vehicleID uuid.UUID, receivedAt time.Time, logger *zap.Logger) {
	if s.consolidator == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Consolidation.VehicleTimeout)
		defer cancel()

		if err := s.consolidator.ConsolidateDay(ctx, vehicleID, receivedAt); err != nil {
			logger.Warn("end-of-day consolidation hint failed",
				zap.Error(err),
				zap.String("vehicle_id", vehicleID.String()),
			)
		}
	}()
}

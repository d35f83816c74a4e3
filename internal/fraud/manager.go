package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"go.uber.org/zap"
)

// AlertTypeOdometerRollback is the alert type the validator raises when a
// reading drops below the last verified mileage beyond tolerance.
const AlertTypeOdometerRollback = "odometer_rollback"

// Store is the persistence the manager needs
type Store interface {
	InsertFraudAlert(ctx context.Context, alert *db.FraudAlert) error
	UpdateFraudAlertStatus(ctx context.Context, alertID uuid.UUID, status string, notes *string) error
}

// Notifier receives fraud alert notifications after they are persisted
type Notifier interface {
	NotifyFraudAlert(ctx context.Context, alert *db.FraudAlert) error
}

// Manager creates fraud alerts and applies externally-triggered lifecycle
// transitions. Alerts always start active; nothing in this service moves
// them out of active automatically.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewManager creates a fraud alert manager
func NewManager(store Store, notifier Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Raise creates an active fraud alert. Idempotency is the caller's
// responsibility: the validator raises at most one alert per rollback
// reading.
func (m *Manager) Raise(ctx context.Context, vehicleID, telemetryID uuid.UUID, alertType, severity, description string) (*db.FraudAlert, error) {
	now := time.Now().UTC()
	alert := &db.FraudAlert{
		ID:          uuid.New(),
		VehicleID:   vehicleID,
		TelemetryID: telemetryID,
		AlertType:   alertType,
		Severity:    severity,
		Status:      db.AlertActive,
		Description: description,
		ReportedAt:  now,
		UpdatedAt:   now,
	}

	if err := m.store.InsertFraudAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to raise fraud alert: %w", err)
	}

	m.logger.Warn("fraud alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("vehicle_id", vehicleID.String()),
		zap.String("alert_type", alertType),
		zap.String("severity", severity),
	)

	if m.notifier != nil {
		if err := m.notifier.NotifyFraudAlert(ctx, alert); err != nil {
			m.logger.Error("failed to notify fraud alert",
				zap.Error(err),
				zap.String("alert_id", alert.ID.String()),
			)
		}
	}

	return alert, nil
}

// StartInvestigation moves an alert to investigating
func (m *Manager) StartInvestigation(ctx context.Context, alertID uuid.UUID, notes *string) error {
	return m.transition(ctx, alertID, db.AlertInvestigating, notes)
}

// Resolve moves an alert to resolved
func (m *Manager) Resolve(ctx context.Context, alertID uuid.UUID, notes *string) error {
	return m.transition(ctx, alertID, db.AlertResolved, notes)
}

// MarkFalsePositive moves an alert to false_positive
func (m *Manager) MarkFalsePositive(ctx context.Context, alertID uuid.UUID, notes *string) error {
	return m.transition(ctx, alertID, db.AlertFalsePositive, notes)
}

func (m *Manager) transition(ctx context.Context, alertID uuid.UUID, status string, notes *string) error {
	if err := m.store.UpdateFraudAlertStatus(ctx, alertID, status, notes); err != nil {
		return fmt.Errorf("failed to transition fraud alert to %s: %w", status, err)
	}

	m.logger.Info("fraud alert transitioned",
		zap.String("alert_id", alertID.String()),
		zap.String("status", status),
	)

	return nil
}

package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"go.uber.org/zap"
)

// Publisher publishes worker events to the events topic exchange
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	trustKey string
	alertKey string
	logger   *zap.Logger
}

// NewPublisher creates a publisher bound to the events exchange
func NewPublisher(conn *Connection, exchange, trustKey, alertKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		trustKey: trustKey,
		alertKey: alertKey,
		logger:   logger,
	}, nil
}

// ValidationEvent is published once per classified reading. Callers map
// Flagged=true to a "flagged for review" signal and Flagged=false to plain
// acceptance.
type ValidationEvent struct {
	TelemetryID      string `json:"telemetry_id"`
	VehicleID        string `json:"vehicle_id"`
	DeviceID         string `json:"device_id"`
	ValidationStatus string `json:"validation_status"`
	PreviousMileage  int64  `json:"previous_mileage"`
	ReportedMileage  int64  `json:"reported_mileage"`
	Delta            int64  `json:"delta"`
	Flagged          bool   `json:"flagged"`
	Reason           string `json:"reason,omitempty"`
}

// TrustChangedEvent mirrors a persisted trust event for downstream consumers
type TrustChangedEvent struct {
	VehicleID     string `json:"vehicle_id"`
	Change        int    `json:"change"`
	PreviousScore int    `json:"previous_score"`
	NewScore      int    `json:"new_score"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	CreatedAt     string `json:"created_at"`
}

// FraudAlertEvent mirrors a persisted fraud alert for downstream consumers
type FraudAlertEvent struct {
	AlertID     string `json:"alert_id"`
	VehicleID   string `json:"vehicle_id"`
	TelemetryID string `json:"telemetry_id"`
	AlertType   string `json:"alert_type"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	Description string `json:"description"`
	ReportedAt  string `json:"reported_at"`
}

// PublishValidationEvent publishes a classified reading with the given
// routing key
func (p *Publisher) PublishValidationEvent(ctx context.Context, event ValidationEvent, routingKey string) error {
	return p.publish(ctx, routingKey, event)
}

// NotifyTrustChanged implements the trust engine's notification hook
func (p *Publisher) NotifyTrustChanged(ctx context.Context, event *db.TrustEvent) error {
	return p.publish(ctx, p.trustKey, TrustChangedEvent{
		VehicleID:     event.VehicleID.String(),
		Change:        event.Change,
		PreviousScore: event.PreviousScore,
		NewScore:      event.NewScore,
		Reason:        event.Reason,
		Source:        event.Source,
		CreatedAt:     event.CreatedAt.Format(time.RFC3339),
	})
}

// NotifyFraudAlert implements the fraud manager's notification hook
func (p *Publisher) NotifyFraudAlert(ctx context.Context, alert *db.FraudAlert) error {
	return p.publish(ctx, p.alertKey, FraudAlertEvent{
		AlertID:     alert.ID.String(),
		VehicleID:   alert.VehicleID.String(),
		TelemetryID: alert.TelemetryID.String(),
		AlertType:   alert.AlertType,
		Severity:    alert.Severity,
		Status:      alert.Status,
		Description: alert.Description,
		ReportedAt:  alert.ReportedAt.Format(time.RFC3339),
	})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

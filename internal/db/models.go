package db

import (
	"time"

	"github.com/google/uuid"
)

// Validation statuses for telemetry readings.
const (
	StatusPending          = "pending"
	StatusValid            = "valid"
	StatusSuspicious       = "suspicious"
	StatusRollbackDetected = "rollback_detected"
	StatusInvalid          = "invalid"
)

// Trust event sources.
const (
	SourceTelemetry   = "telemetry"
	SourceFraudEngine = "fraud_engine"
	SourceAdmin       = "admin"
	SourceAnchor      = "anchor"
)

// Fraud alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Fraud alert statuses.
const (
	AlertActive        = "active"
	AlertInvestigating = "investigating"
	AlertResolved      = "resolved"
	AlertFalsePositive = "false_positive"
)

// Anchor statuses for daily batches.
const (
	AnchorPending  = "pending"
	AnchorAnchored = "anchored"
	AnchorFailed   = "failed"
)

// InitialTrustScore is assigned when a vehicle state row is created.
const InitialTrustScore = 100

// VehicleMileageState is the authoritative per-vehicle record used for
// validation. last_verified_mileage only moves through a successful
// compare-and-swap or an admin override.
type VehicleMileageState struct {
	VehicleID           uuid.UUID
	LastVerifiedMileage int64
	TrustScore          int
	LastMileageUpdateAt time.Time
	CreatedAt           time.Time
}

// TelemetryReading represents one ingested odometer reading
type TelemetryReading struct {
	ID               uuid.UUID
	VehicleID        uuid.UUID
	DeviceID         string
	ReportedMileage  int64
	ReceivedAt       time.Time
	ValidationStatus string
	ValidationReason *string
	RawPayload       []byte
}

// TrustEvent is one row of the append-only trust score audit log.
// Change records the intended delta even when clamping absorbed part of it.
type TrustEvent struct {
	ID            uuid.UUID
	VehicleID     uuid.UUID
	Change        int
	PreviousScore int
	NewScore      int
	Reason        string
	Source        string
	CreatedAt     time.Time
}

// FraudAlert represents a detected anomaly awaiting human review
type FraudAlert struct {
	ID                 uuid.UUID
	VehicleID          uuid.UUID
	TelemetryID        uuid.UUID
	AlertType          string
	Severity           string
	Status             string
	Description        string
	InvestigationNotes *string
	ReportedAt         time.Time
	UpdatedAt          time.Time
}

// DailyBatch is the consolidation unit: one per (vehicle, calendar day),
// at most one non-failed per key.
type DailyBatch struct {
	ID              uuid.UUID
	VehicleID       uuid.UUID
	BatchDate       time.Time
	ReadingCount    int
	Digest          string
	AnchorStatus    string
	AnchorReference *string
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

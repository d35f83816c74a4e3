package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName   string
	ServicePort   int
	Database      DatabaseConfig
	RabbitMQ      RabbitMQConfig
	Validation    ValidationConfig
	Trust         TrustConfig
	Consolidation ConsolidationConfig
	Anchor        AnchorConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                string
	IngestExchange     string
	IngestQueue        string
	IngestRoutingKey   string
	AdminQueue         string
	AdminRoutingKey    string
	EventsExchange     string
	AcceptedRoutingKey string
	FlaggedRoutingKey  string
	TrustRoutingKey    string
	AlertRoutingKey    string
	DLQQueue           string
	PrefetchCount      int
}

// ValidationConfig holds mileage classification settings
type ValidationConfig struct {
	RollbackTolerance         int64
	SuspiciousThreshold       int64
	TimestampToleranceMinutes int
}

// TrustConfig holds trust score settings
type TrustConfig struct {
	RollbackPenalty int
}

// ConsolidationConfig holds daily consolidation job settings
type ConsolidationConfig struct {
	Interval           time.Duration
	VehicleConcurrency int
	VehicleTimeout     time.Duration
	MaxAnchorRetries   int
}

// AnchorConfig holds anchor ledger client settings
type AnchorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "mileage-trust-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			IngestExchange:     getEnv("RABBITMQ_INGEST_EXCHANGE", "mileage-trust.ingest.exchange"),
			IngestQueue:        getEnv("RABBITMQ_INGEST_QUEUE", "mileage-trust.ingest.queue"),
			IngestRoutingKey:   getEnv("RABBITMQ_INGEST_ROUTING_KEY", "odometer.reading.raw"),
			AdminQueue:         getEnv("RABBITMQ_ADMIN_QUEUE", "mileage-trust.admin.queue"),
			AdminRoutingKey:    getEnv("RABBITMQ_ADMIN_ROUTING_KEY", "odometer.mileage.override"),
			EventsExchange:     getEnv("RABBITMQ_EVENTS_EXCHANGE", "mileage-trust.events.exchange"),
			AcceptedRoutingKey: getEnv("RABBITMQ_ACCEPTED_ROUTING_KEY", "odometer.reading.accepted"),
			FlaggedRoutingKey:  getEnv("RABBITMQ_FLAGGED_ROUTING_KEY", "odometer.reading.flagged"),
			TrustRoutingKey:    getEnv("RABBITMQ_TRUST_ROUTING_KEY", "vehicle.trust.changed"),
			AlertRoutingKey:    getEnv("RABBITMQ_ALERT_ROUTING_KEY", "vehicle.fraud.alert"),
			DLQQueue:           getEnv("RABBITMQ_DLQ_QUEUE", "mileage-trust.ingest.dlq"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Validation: ValidationConfig{
			RollbackTolerance:         getEnvAsInt64("VALIDATION_ROLLBACK_TOLERANCE", 5),
			SuspiciousThreshold:       getEnvAsInt64("VALIDATION_SUSPICIOUS_THRESHOLD", 1000),
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
		Trust: TrustConfig{
			RollbackPenalty: getEnvAsInt("TRUST_ROLLBACK_PENALTY", 30),
		},
		Consolidation: ConsolidationConfig{
			Interval:           time.Duration(getEnvAsInt("CONSOLIDATION_INTERVAL_MINUTES", 1440)) * time.Minute,
			VehicleConcurrency: getEnvAsInt("CONSOLIDATION_VEHICLE_CONCURRENCY", 8),
			VehicleTimeout:     time.Duration(getEnvAsInt("CONSOLIDATION_VEHICLE_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxAnchorRetries:   getEnvAsInt("CONSOLIDATION_MAX_ANCHOR_RETRIES", 5),
		},
		Anchor: AnchorConfig{
			URL:     getEnv("ANCHOR_URL", ""),
			APIKey:  getEnv("ANCHOR_API_KEY", ""),
			Timeout: time.Duration(getEnvAsInt("ANCHOR_TIMEOUT_SECONDS", 10)) * time.Second,
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Anchor.URL == "" {
		return nil, fmt.Errorf("ANCHOR_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

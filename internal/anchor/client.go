package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client submits a day's digest to the external append-only ledger.
// Submit may be retried on transient failure; exactly-once is provided by
// the consolidation job's already-anchored check, not by the ledger.
type Client interface {
	Submit(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string) (string, error)
}

// HTTPClient talks to the ledger service over JSON/HTTP
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a ledger client with the given submission timeout
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type submitRequest struct {
	VehicleID string `json:"vehicle_id"`
	Date      string `json:"date"`
	Digest    string `json:"digest"`
}

type submitResponse struct {
	Reference string `json:"reference"`
}

// Submit posts the digest and returns the ledger reference
func (c *HTTPClient) Submit(ctx context.Context, vehicleID uuid.UUID, date time.Time, digest string) (string, error) {
	payload := submitRequest{
		VehicleID: vehicleID.String(),
		Date:      date.UTC().Format("2006-01-02"),
		Digest:    digest,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bounded read so a misbehaving ledger cannot blow up logs
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("anchor service returned status %d: %s", resp.StatusCode, snippet)
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode anchor response: %w", err)
	}
	if parsed.Reference == "" {
		return "", fmt.Errorf("anchor service returned empty reference")
	}

	c.logger.Debug("digest anchored",
		zap.String("vehicle_id", payload.VehicleID),
		zap.String("date", payload.Date),
		zap.String("reference", parsed.Reference),
	)

	return parsed.Reference, nil
}

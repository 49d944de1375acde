// Package webhook delivers batched alerts to the configured outbound
// HTTPS endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldchain/telemetry-processor/internal/model"
)

// Client posts batches of alerts to a configured URL.
type Client struct {
	url        string
	httpClient *http.Client
}

// New builds a webhook client targeting url.
func New(url string) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type outboundPayload struct {
	Timestamp    time.Time     `json:"timestamp"`
	TotalAlertas int           `json:"total_alertas"`
	IsBatched    bool          `json:"is_batched"`
	Alertas      []model.Alert `json:"alertas"`
}

// Deliver POSTs the batch as a single JSON body. A non-2xx response is
// reported as an error so the caller can re-enqueue.
func (c *Client) Deliver(ctx context.Context, alerts []model.Alert, now time.Time) error {
	body := outboundPayload{
		Timestamp:    now,
		TotalAlertas: len(alerts),
		IsBatched:    true,
		Alertas:      alerts,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal alert batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-success status: %d", resp.StatusCode)
	}

	return nil
}

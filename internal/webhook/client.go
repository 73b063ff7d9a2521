// Package webhook delivers signed conversation events to registered
// endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/pkg/logger"
	"github.com/aperture-ai/assistant-gateway/pkg/metrics"
)

// Payload is one webhook event.
type Payload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Config holds webhook delivery settings.
type Config struct {
	Endpoint string
	Secret   string
	Source   string
	Retries  uint64
	Timeout  time.Duration
}

// Client delivers signed JSON payloads to a single endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a webhook client. Zero Retries defaults to 3 attempts;
// zero Timeout defaults to 10 seconds.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "assistant-gateway"
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

// Signature computes the hex HMAC-SHA256 of a body under the configured
// secret, in `sha256=<hex>` form. Empty when no secret is configured.
func (c *Client) Signature(body []byte) string {
	if c.config.Secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(c.config.Secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send delivers a payload, retrying transient failures with exponential
// backoff.
func (c *Client) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	signature := c.Signature(body)

	attempt := 0
	operation := func() error {
		attempt++
		c.logger.Debug("sending webhook",
			zap.String("type", payload.Type),
			zap.String("id", payload.ID),
			zap.Int("attempt", attempt),
		)
		return c.post(ctx, body, signature)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.Retries-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, err)
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Assistant-Gateway-Webhook/1.0")
	req.Header.Set("X-Webhook-Source", c.config.Source)
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}
	return nil
}

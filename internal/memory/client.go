// Package memory integrates the long-term memory collaborator: a REST
// client for a mem0-style service plus the heuristic fact extractor that
// decides what is worth retaining. Both directions are best-effort; every
// failure is logged and swallowed, never surfaced to the conversation.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// Memory is one retained fact.
type Memory struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Score     float64        `json:"score,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Client is the REST client for the memory service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
}

// NewClient creates a memory service client.
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     log,
	}
}

type addRequest struct {
	Messages []addMessage   `json:"messages"`
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type addMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// Add stores one fact for a user. The session ID and extra metadata travel
// in the memory's metadata map.
func (c *Client) Add(ctx context.Context, text, userID, sessionID string, metadata map[string]any) error {
	meta := map[string]any{
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		meta[k] = v
	}

	body := addRequest{
		Messages: []addMessage{{Role: "user", Content: text}},
		UserID:   userID,
		Metadata: meta,
	}

	var out []Memory
	return c.do(ctx, http.MethodPost, "/v1/memories/", body, &out)
}

// Search returns ranked memories relevant to a query. Retried with
// exponential backoff since retrieval feeds the live prompt.
func (c *Client) Search(ctx context.Context, query, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}

	var out []Memory
	operation := func() error {
		out = out[:0]
		return c.do(ctx, http.MethodPost, "/v1/memories/search/", searchRequest{
			Query:  query,
			UserID: userID,
			Limit:  limit,
		}, &out)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns all memories for a user.
func (c *Client) List(ctx context.Context, userID string) ([]Memory, error) {
	var out []Memory
	path := "/v1/memories/?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a memory by ID.
func (c *Client) Delete(ctx context.Context, memoryID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(memoryID)+"/", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode memory request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("memory service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode memory response: %w", err)
	}
	return nil
}

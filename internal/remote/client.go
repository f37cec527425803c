package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client is the HTTP implementation of Store against the remote message API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the given base URL. timeout bounds each
// request end to end; the queue treats a timeout as a retryable failure.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// UpsertMessage inserts or replaces the remote row keyed by rec.ID.
func (c *Client) UpsertMessage(ctx context.Context, rec *Record) error {
	return c.do(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(rec.ID), rec, nil)
}

// UpdateMessage applies a field-level update to the remote row.
func (c *Client) UpdateMessage(ctx context.Context, id string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(id), fields, nil)
}

// MessagesByThread fetches the authoritative row set for a thread.
func (c *Client) MessagesByThread(ctx context.Context, threadID string) ([]Record, error) {
	var out []Record
	err := c.do(ctx, http.MethodGet, "/v1/messages?thread_id="+url.QueryEscape(threadID), nil, &out)
	return out, err
}

// MessagesByUser fetches the authoritative row set for a user.
func (c *Client) MessagesByUser(ctx context.Context, userID string) ([]Record, error) {
	var out []Record
	err := c.do(ctx, http.MethodGet, "/v1/messages?user_id="+url.QueryEscape(userID), nil, &out)
	return out, err
}

// Health probes the remote API. Used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// Notify posts a push-notification request for a freshly synced create.
// Errors are logged and swallowed; delivery of notifications is best effort.
func (c *Client) Notify(ctx context.Context, rec *Record) {
	payload := map[string]string{
		"message_id": rec.ID,
		"thread_id":  rec.ThreadID,
		"sender_id":  rec.SenderID,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications", payload, nil); err != nil {
		c.logger.Warn("push notification dispatch failed",
			zap.Error(err), zap.String("message_id", rec.ID))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(respBody, 256))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen])
}

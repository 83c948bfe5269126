// Package notify delivers approval notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remedyops/conductor/internal/core/ports"
)

// WebhookConfig configures a webhook notifier.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
	Headers map[string]string
	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// WebhookNotifier POSTs approval notifications to an HTTP endpoint,
// typically a chat or paging integration.
type WebhookNotifier struct {
	url     string
	retries int
	headers map[string]string
	client  *http.Client
}

var _ ports.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier for the configured endpoint.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		retries: cfg.Retries,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// Notify delivers the notification, retrying transient failures. The
// caller treats any returned error as advisory.
func (w *WebhookNotifier) Notify(ctx context.Context, n *ports.ApprovalNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	attempts := w.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := w.post(ctx, body); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

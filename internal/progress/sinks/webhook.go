package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
)

// WebhookSink POSTs terminal events as one JSON document per batch:
//
//	{"events": [{"type": "TASK_SUCCEEDED", "ts": ..., "task": {...}}]}
type WebhookSink struct {
	url    string
	client *http.Client
	all    bool
}

// WebhookOption tweaks a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithAllEvents forwards transitions and retries too.
func WithAllEvents() WebhookOption {
	return func(s *WebhookSink) { s.all = true }
}

// NewWebhookSink posts to url with the given request timeout.
func NewWebhookSink(url string, timeout time.Duration, opts ...WebhookOption) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type webhookPayload struct {
	Events []progress.Event `json:"events"`
}

// Consume delivers the selected events. Non-2xx responses are errors.
func (s *WebhookSink) Consume(ctx context.Context, batch []progress.Event) error {
	payload := webhookPayload{Events: make([]progress.Event, 0, len(batch))}
	for _, evt := range batch {
		if s.all || evt.Terminal() {
			payload.Events = append(payload.Events, evt)
		}
	}
	if len(payload.Events) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

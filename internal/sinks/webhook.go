package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// WebhookSink POSTs each event as JSON. Any 2xx response acknowledges it.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink returns a webhook adapter. A nil client gets a default with
// a 10s timeout; the dispatcher's per-delivery deadline usually applies first.
func NewWebhookSink(name, url string, headers map[string]string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{name: name, url: url, headers: headers, client: client}
}

func (s *WebhookSink) Name() string { return s.name }

// Deliver sends evt. The Idempotency-Key header carries the event id so the
// receiver can drop redeliveries.
func (s *WebhookSink) Deliver(ctx context.Context, evt domain.DomainEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", evt.EventID)
	req.Header.Set("X-Event-Type", string(evt.EntityType)+"."+string(evt.Operation))
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", s.name, resp.StatusCode)
	}
	return nil
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WebhookSink posts events to a Slack-style incoming webhook. Only the
// configured event types are forwarded; an empty filter forwards all.
type WebhookSink struct {
	url    string
	filter map[Type]bool
	client *http.Client
}

// NewWebhookSink creates a webhook sink. types narrows which events are
// forwarded; pass none to forward everything.
func NewWebhookSink(url string, types ...Type) *WebhookSink {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	return &WebhookSink{
		url:    url,
		filter: filter,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Consume posts the event. Failures are logged, never surfaced.
func (s *WebhookSink) Consume(ctx context.Context, ev Event) {
	if s.url == "" {
		return
	}
	if s.filter != nil && !s.filter[ev.Type] {
		return
	}
	if err := s.post(ctx, ev); err != nil {
		zap.L().Error("events: webhook delivery failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (s *WebhookSink) post(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(map[string]any{
		"text":  ev.Message,
		"event": ev,
	})
	if err != nil {
		return eris.Wrap(err, "events: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "events: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "events: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("events: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes events to the structured log. It backs local runs where
// no webhook is configured.
type LogSink struct{}

// Consume logs the event.
func (LogSink) Consume(_ context.Context, ev Event) {
	zap.L().Info("event",
		zap.String("type", string(ev.Type)),
		zap.String("prospect_id", ev.ProspectID),
		zap.String("campaign_id", ev.CampaignID),
		zap.String("message", ev.Message),
	)
}

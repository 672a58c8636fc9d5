package brevo

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// WebhookEvent is the payload Brevo posts to the email-event webhook.
type WebhookEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message-id"`
	TsEvent   int64  `json:"ts_event"`
	// Tag carries the campaign correlation value set at send time.
	Tag string `json:"tag"`
}

// OccurredAt converts the event timestamp; zero when absent.
func (e *WebhookEvent) OccurredAt() time.Time {
	if e.TsEvent == 0 {
		return time.Time{}
	}
	return time.Unix(e.TsEvent, 0).UTC()
}

// ParseWebhookEvent decodes a webhook payload.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, eris.Wrap(err, "brevo: parse webhook payload")
	}
	if ev.Event == "" {
		return nil, eris.New("brevo: webhook payload missing event")
	}
	return &ev, nil
}

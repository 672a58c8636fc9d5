// Package events is the fire-and-forget event bus for pipeline and
// campaign notifications.
package events

import (
	"context"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeProspectDiscovered Type = "prospect_discovered"
	TypeStageCompleted     Type = "stage_completed"
	TypePipelineFailed     Type = "pipeline_failed"
	TypeCampaignStarted    Type = "campaign_started"
	TypeStepSent           Type = "step_sent"
	TypeStoreClaimed       Type = "store_claimed"
	TypeCampaignAbandoned  Type = "campaign_abandoned"
	TypeEmailEvent         Type = "email_event"
)

// Event is one bus notification.
type Event struct {
	Type       Type           `json:"type"`
	ProspectID string         `json:"prospect_id,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink consumes published events.
type Sink interface {
	Consume(ctx context.Context, ev Event)
}

// Bus fans events out to its sinks. Publish never blocks the caller on
// sink failures and never returns an error: event delivery is advisory.
type Bus struct {
	sinks []Sink
}

// NewBus creates a bus over the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Publish stamps and delivers the event to every sink.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, s := range b.sinks {
		s.Consume(ctx, ev)
	}
}

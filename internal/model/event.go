package model

import "time"

// DeliveryEventType classifies an external email signal.
type DeliveryEventType string

const (
	EventDelivered    DeliveryEventType = "delivered"
	EventOpened       DeliveryEventType = "opened"
	EventClicked      DeliveryEventType = "click"
	EventHardBounce   DeliveryEventType = "hard_bounce"
	EventSoftBounce   DeliveryEventType = "soft_bounce"
	EventUnsubscribed DeliveryEventType = "unsubscribed"
	EventClaim        DeliveryEventType = "claim"
)

// DeliveryEvent is an external signal about a sent email or a store claim.
// Events are append-only; PayloadHash dedups duplicate webhook deliveries.
type DeliveryEvent struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	Step        int               `json:"step"`
	Type        DeliveryEventType `json:"type"`
	PayloadHash string            `json:"payload_hash"`
	OccurredAt  time.Time         `json:"occurred_at"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

package model

import "time"

// CampaignState is the outreach lifecycle state for one provisioned store.
type CampaignState string

const (
	CampStep0Sent    CampaignState = "step_0_sent"
	CampStep1Pending CampaignState = "step_1_pending"
	CampStep1Sent    CampaignState = "step_1_sent"
	CampStep2Pending CampaignState = "step_2_pending"
	CampStep2Sent    CampaignState = "step_2_sent"
	CampClaimed      CampaignState = "claimed"
	CampAbandoned    CampaignState = "abandoned"
)

// Terminal reports whether the campaign state admits no further transitions.
func (s CampaignState) Terminal() bool {
	return s == CampClaimed || s == CampAbandoned
}

// Step returns the zero-based step index a SENT state corresponds to, and
// whether the state is a SENT state at all.
func (s CampaignState) Step() (int, bool) {
	switch s {
	case CampStep0Sent:
		return 0, true
	case CampStep1Sent:
		return 1, true
	case CampStep2Sent:
		return 2, true
	}
	return 0, false
}

// SentState returns the SENT state for a step index.
func SentState(step int) CampaignState {
	switch step {
	case 0:
		return CampStep0Sent
	case 1:
		return CampStep1Sent
	case 2:
		return CampStep2Sent
	}
	return ""
}

// PendingState returns the PENDING state for a step index.
func PendingState(step int) CampaignState {
	switch step {
	case 1:
		return CampStep1Pending
	case 2:
		return CampStep2Pending
	}
	return ""
}

// AtOrPast reports whether s has already reached the SENT state for step.
// Terminal states count as past every step.
func (s CampaignState) AtOrPast(step int) bool {
	if s.Terminal() {
		return true
	}
	cur, ok := s.Step()
	if !ok {
		// PENDING states sit between their neighbouring SENT states.
		switch s {
		case CampStep1Pending:
			cur = 0
		case CampStep2Pending:
			cur = 1
		default:
			return false
		}
	}
	return cur >= step
}

// StepSend records one outreach email send within a campaign.
type StepSend struct {
	Step      int        `json:"step"`
	SentAt    time.Time  `json:"sent_at"`
	MessageID string     `json:"message_id,omitempty"`
	Status    string     `json:"status"` // sent, delivered, opened, clicked, bounced
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Campaign is the outreach lifecycle for one prospect's provisioned store.
// Exactly one active campaign exists per store ref.
type Campaign struct {
	ID         string        `json:"id"`
	ProspectID string        `json:"prospect_id"`
	StoreRef   string        `json:"store_ref"`
	State      CampaignState `json:"state"`
	NextWakeAt *time.Time    `json:"next_wake_at,omitempty"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
	Sends      []StepSend    `json:"sends,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// SendFor returns the send record for a step, or nil.
func (c *Campaign) SendFor(step int) *StepSend {
	for i := range c.Sends {
		if c.Sends[i].Step == step {
			return &c.Sends[i]
		}
	}
	return nil
}

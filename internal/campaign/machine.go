package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/events"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/resilience"
	"github.com/kliq-group/growth-engine/pkg/brevo"
)

// Store is the persistence surface the campaign machine needs.
type Store interface {
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	GetCampaignByStoreRef(ctx context.Context, storeRef string) (*model.Campaign, error)
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)
	TransitionCampaign(ctx context.Context, id string, from, to model.CampaignState, nextWakeAt *time.Time) (bool, error)
	ClaimCampaign(ctx context.Context, id string, at time.Time) (bool, error)
	RecordSend(ctx context.Context, campaignID string, send model.StepSend) error
	UpdateSendStatus(ctx context.Context, campaignID string, step int, status string, at time.Time) error
	AppendEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error)

	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	GetProspectByStoreRef(ctx context.Context, storeRef string) (*model.Prospect, error)
	TransitionProspect(ctx context.Context, id string, from, to model.ProspectStatus, failedStage model.Stage) (bool, error)
}

// Machine owns campaign state transitions. All moves go through the
// store's compare-and-set writes, so a duplicate scheduler firing or a
// webhook racing a send resolves to exactly one winner.
type Machine struct {
	store  Store
	sender brevo.Client
	seq    Sequence
	bus    *events.Bus

	now func() time.Time
}

// NewMachine builds a campaign machine.
func NewMachine(store Store, sender brevo.Client, seq Sequence, bus *events.Bus) *Machine {
	return &Machine{
		store:  store,
		sender: sender,
		seq:    seq,
		bus:    bus,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// sendNamespace seeds deterministic per-step send idempotency keys.
var sendNamespace = uuid.MustParse("c5d1af9e-3b72-5e08-9f41-88a0c2e6d417")

func sendKey(campaignID string, step int) string {
	return uuid.NewSHA1(sendNamespace, []byte(fmt.Sprintf("%s|%d", campaignID, step))).String()
}

// SendTag is the correlation value attached to outgoing emails; webhook
// events echo it back so they can be attributed to a campaign step.
func SendTag(campaignID string, step int) string {
	return fmt.Sprintf("%s|%d", campaignID, step)
}

// ParseSendTag reverses SendTag.
func ParseSendTag(tag string) (campaignID string, step int, ok bool) {
	i := strings.LastIndex(tag, "|")
	if i <= 0 {
		return "", 0, false
	}
	step, err := strconv.Atoi(tag[i+1:])
	if err != nil {
		return "", 0, false
	}
	return tag[:i], step, true
}

// Start opens the campaign for a provisioned prospect and fires step 0.
// The caller's idempotency token keys the step 0 send, so a retried start
// collapses to one email. Starting an already-started store ref returns
// the existing campaign id.
func (m *Machine) Start(ctx context.Context, p *model.Prospect, token string) (string, error) {
	if p.StoreRef == "" {
		return "", resilience.NewPermanentError(eris.Errorf("campaign: prospect %s has no store ref", p.ID))
	}

	existing, err := m.store.GetCampaignByStoreRef(ctx, p.StoreRef)
	if err != nil {
		return "", eris.Wrapf(err, "campaign: look up store ref %s", p.StoreRef)
	}
	if existing != nil {
		return existing.ID, nil
	}

	campaignID := uuid.NewString()
	sentAt := m.now().UTC()
	result, err := m.send(ctx, p, 0, token, SendTag(campaignID, 0))
	if err != nil {
		return "", err
	}

	wake := sentAt.Add(m.seq.Steps[0].Offset)
	c := &model.Campaign{
		ID:         campaignID,
		ProspectID: p.ID,
		StoreRef:   p.StoreRef,
		State:      model.CampStep0Sent,
		NextWakeAt: &wake,
		CreatedAt:  sentAt,
		UpdatedAt:  sentAt,
	}
	if err := m.store.CreateCampaign(ctx, c); err != nil {
		// A concurrent starter may have won the store-ref race.
		if again, lookupErr := m.store.GetCampaignByStoreRef(ctx, p.StoreRef); lookupErr == nil && again != nil {
			return again.ID, nil
		}
		return "", eris.Wrapf(err, "campaign: create for store ref %s", p.StoreRef)
	}

	if err := m.store.RecordSend(ctx, c.ID, model.StepSend{
		Step:      0,
		SentAt:    sentAt,
		MessageID: result.MessageID,
		Status:    "sent",
	}); err != nil {
		return "", eris.Wrapf(err, "campaign: record step 0 send for %s", c.ID)
	}

	m.publish(events.Event{
		Type:       events.TypeCampaignStarted,
		ProspectID: p.ID,
		CampaignID: c.ID,
		Message:    fmt.Sprintf("outreach started for %s (%s)", p.DisplayName, p.StoreRef),
	})
	return c.ID, nil
}

// Advance performs the campaign's next time-driven move: send the next
// step's reminder, or abandon after the final offset elapses. A campaign
// that was claimed between scheduling and firing is left alone.
func (m *Machine) Advance(ctx context.Context, campaignID string) error {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return eris.Wrapf(err, "campaign: load %s", campaignID)
	}
	if c == nil {
		return eris.Errorf("campaign: %s not found", campaignID)
	}
	if c.State.Terminal() {
		return nil
	}

	switch c.State {
	case model.CampStep0Sent:
		return m.fireStep(ctx, c, 1)
	case model.CampStep1Sent:
		return m.fireStep(ctx, c, 2)
	case model.CampStep2Sent:
		_, err := m.abandon(ctx, c)
		return err
	case model.CampStep1Pending:
		return m.sendPending(ctx, c, 1)
	case model.CampStep2Pending:
		return m.sendPending(ctx, c, 2)
	}
	return eris.Errorf("campaign: %s in unknown state %q", campaignID, c.State)
}

// fireStep moves SENT(step-1) -> PENDING(step) -> SENT(step). The first
// move is the idempotency gate: a duplicate firing or a claim race loses
// the compare-and-set and walks away without sending.
func (m *Machine) fireStep(ctx context.Context, c *model.Campaign, step int) error {
	if c.State.AtOrPast(step) {
		return nil
	}
	retryAt := m.now().UTC().Add(m.seq.RetryDelay)
	applied, err := m.store.TransitionCampaign(ctx, c.ID, c.State, model.PendingState(step), &retryAt)
	if err != nil {
		return eris.Wrapf(err, "campaign: move %s to %s", c.ID, model.PendingState(step))
	}
	if !applied {
		zap.L().Info("campaign advance superseded",
			zap.String("campaign_id", c.ID),
			zap.Int("step", step),
		)
		return nil
	}
	c.State = model.PendingState(step)
	return m.sendPending(ctx, c, step)
}

// sendPending dispatches the email for a campaign parked in PENDING(step)
// and confirms the send by moving to SENT(step). If the campaign was
// claimed while the email was in flight, the confirmation loses the
// compare-and-set: the send is recorded as an event, the state stays
// claimed.
func (m *Machine) sendPending(ctx context.Context, c *model.Campaign, step int) error {
	// A send already on record means a previous attempt got the email out
	// but died before confirming; only the state move remains.
	if prev := c.SendFor(step); prev != nil {
		return m.confirmStep(ctx, c, step, prev.SentAt, prev.MessageID)
	}

	p, err := m.store.GetProspect(ctx, c.ProspectID)
	if err != nil {
		return eris.Wrapf(err, "campaign: load prospect %s", c.ProspectID)
	}

	result, err := m.send(ctx, p, step, sendKey(c.ID, step), SendTag(c.ID, step))
	if err != nil {
		// Stay pending; the persisted retry wake re-fires this step.
		return eris.Wrapf(err, "campaign: send step %d for %s", step, c.ID)
	}

	sentAt := m.now().UTC()
	if err := m.store.RecordSend(ctx, c.ID, model.StepSend{
		Step:      step,
		SentAt:    sentAt,
		MessageID: result.MessageID,
		Status:    "sent",
	}); err != nil {
		return eris.Wrapf(err, "campaign: record step %d send for %s", step, c.ID)
	}

	return m.confirmStep(ctx, c, step, sentAt, result.MessageID)
}

// confirmStep moves PENDING(step) -> SENT(step) and schedules the next
// wake from the actual send time.
func (m *Machine) confirmStep(ctx context.Context, c *model.Campaign, step int, sentAt time.Time, messageID string) error {
	var wake *time.Time
	if step < StepCount {
		w := sentAt.Add(m.seq.Steps[step].Offset)
		wake = &w
	}

	applied, err := m.store.TransitionCampaign(ctx, c.ID, model.PendingState(step), model.SentState(step), wake)
	if err != nil {
		return eris.Wrapf(err, "campaign: confirm step %d for %s", step, c.ID)
	}
	if !applied {
		zap.L().Info("campaign send confirmation superseded by claim",
			zap.String("campaign_id", c.ID),
			zap.Int("step", step),
		)
		return nil
	}

	m.publish(events.Event{
		Type:       events.TypeStepSent,
		ProspectID: c.ProspectID,
		CampaignID: c.ID,
		Message:    fmt.Sprintf("outreach step %d sent for %s", step, c.StoreRef),
		Details:    map[string]any{"step": step, "message_id": messageID},
	})
	return nil
}

// Abandon manually closes an active campaign: the pending wake is
// cleared and no further reminders fire. Terminal campaigns are left
// alone. Returns whether this call ended the campaign.
func (m *Machine) Abandon(ctx context.Context, campaignID string) (bool, error) {
	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, eris.Wrapf(err, "campaign: load %s", campaignID)
	}
	if c == nil {
		return false, eris.Errorf("campaign: %s not found", campaignID)
	}
	if c.State.Terminal() {
		return false, nil
	}
	return m.abandon(ctx, c)
}

// abandon closes out a campaign, clearing its wake. Used both when the
// final offset elapses unclaimed and for the manual cancel.
func (m *Machine) abandon(ctx context.Context, c *model.Campaign) (bool, error) {
	applied, err := m.store.TransitionCampaign(ctx, c.ID, c.State, model.CampAbandoned, nil)
	if err != nil {
		return false, eris.Wrapf(err, "campaign: abandon %s", c.ID)
	}
	if !applied {
		return false, nil
	}

	if _, err := m.store.TransitionProspect(ctx, c.ProspectID, model.StatusOutreachActive, model.StatusAbandoned, ""); err != nil {
		return true, eris.Wrapf(err, "campaign: mark prospect %s abandoned", c.ProspectID)
	}

	m.publish(events.Event{
		Type:       events.TypeCampaignAbandoned,
		ProspectID: c.ProspectID,
		CampaignID: c.ID,
		Message:    fmt.Sprintf("campaign abandoned for %s", c.StoreRef),
	})
	return true, nil
}

// Claim handles a store claim webhook. First claim wins; duplicate
// payloads and claims on already-terminal campaigns are no-ops. The
// confirmation email goes out only on the winning claim. A claim that
// arrives before outreach started opens the campaign directly in the
// claimed state.
func (m *Machine) Claim(ctx context.Context, storeRef, payloadHash string, at time.Time) (bool, error) {
	c, err := m.store.GetCampaignByStoreRef(ctx, storeRef)
	if err != nil {
		return false, eris.Wrapf(err, "campaign: look up store ref %s", storeRef)
	}
	if c == nil {
		return m.claimUnstarted(ctx, storeRef, payloadHash, at)
	}

	step, _ := c.State.Step()
	appended, err := m.store.AppendEvent(ctx, &model.DeliveryEvent{
		ID:          uuid.NewString(),
		CampaignID:  c.ID,
		Step:        step,
		Type:        model.EventClaim,
		PayloadHash: payloadHash,
		OccurredAt:  at,
		RecordedAt:  m.now().UTC(),
	})
	if err != nil {
		return false, eris.Wrapf(err, "campaign: record claim event for %s", c.ID)
	}
	if !appended {
		zap.L().Debug("claim event already on record",
			zap.String("campaign_id", c.ID),
			zap.String("payload_hash", payloadHash),
		)
	}

	// The state move decides the winner, not the event dedup. A retry
	// whose event landed on a previous attempt must still get its chance
	// to claim here.
	claimed, err := m.store.ClaimCampaign(ctx, c.ID, at)
	if err != nil {
		return false, eris.Wrapf(err, "campaign: claim %s", c.ID)
	}
	if !claimed {
		// Already terminal. If a prior attempt claimed but died before
		// moving the prospect, converge it now.
		if latest, lerr := m.store.GetCampaign(ctx, c.ID); lerr == nil && latest != nil && latest.State == model.CampClaimed {
			if _, perr := m.store.TransitionProspect(ctx, c.ProspectID, model.StatusOutreachActive, model.StatusClaimed, ""); perr != nil {
				return false, eris.Wrapf(perr, "campaign: mark prospect %s claimed", c.ProspectID)
			}
		}
		return false, nil
	}

	if _, err := m.store.TransitionProspect(ctx, c.ProspectID, model.StatusOutreachActive, model.StatusClaimed, ""); err != nil {
		return true, eris.Wrapf(err, "campaign: mark prospect %s claimed", c.ProspectID)
	}

	if err := m.sendClaimConfirmation(ctx, c); err != nil {
		// The claim itself stands; the confirmation is best effort.
		zap.L().Warn("claim confirmation not sent",
			zap.String("campaign_id", c.ID),
			zap.Error(err),
		)
	}

	m.publish(events.Event{
		Type:       events.TypeStoreClaimed,
		ProspectID: c.ProspectID,
		CampaignID: c.ID,
		Message:    fmt.Sprintf("store %s claimed", c.StoreRef),
	})
	return true, nil
}

// claimUnstarted covers the window between store provisioning and the
// first outreach email: the store exists and can be claimed, but no
// campaign row does yet. The campaign is created already claimed so a
// later outreach start finds it and backs off.
func (m *Machine) claimUnstarted(ctx context.Context, storeRef, payloadHash string, at time.Time) (bool, error) {
	p, err := m.store.GetProspectByStoreRef(ctx, storeRef)
	if err != nil {
		return false, eris.Wrapf(err, "campaign: look up prospect for store ref %s", storeRef)
	}
	if p == nil {
		return false, eris.Errorf("campaign: no campaign or prospect for store ref %s", storeRef)
	}

	now := m.now().UTC()
	c := &model.Campaign{
		ID:         uuid.NewString(),
		ProspectID: p.ID,
		StoreRef:   storeRef,
		State:      model.CampClaimed,
		ClaimedAt:  &at,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateCampaign(ctx, c); err != nil {
		// An outreach start raced the webhook; claim the campaign it made.
		if again, lerr := m.store.GetCampaignByStoreRef(ctx, storeRef); lerr == nil && again != nil {
			return m.Claim(ctx, storeRef, payloadHash, at)
		}
		return false, eris.Wrapf(err, "campaign: create claimed campaign for store ref %s", storeRef)
	}

	if _, err := m.store.AppendEvent(ctx, &model.DeliveryEvent{
		ID:          uuid.NewString(),
		CampaignID:  c.ID,
		Type:        model.EventClaim,
		PayloadHash: payloadHash,
		OccurredAt:  at,
		RecordedAt:  now,
	}); err != nil {
		return true, eris.Wrapf(err, "campaign: record claim event for %s", c.ID)
	}

	if _, err := m.store.TransitionProspect(ctx, p.ID, p.Status, model.StatusClaimed, ""); err != nil {
		return true, eris.Wrapf(err, "campaign: mark prospect %s claimed", p.ID)
	}

	m.publish(events.Event{
		Type:       events.TypeStoreClaimed,
		ProspectID: p.ID,
		CampaignID: c.ID,
		Message:    fmt.Sprintf("store %s claimed before outreach started", storeRef),
	})
	return true, nil
}

// RecordDelivery logs an email engagement signal against the campaign.
// Bounces are recorded but never stop the sequence; nothing here drives a
// state transition.
func (m *Machine) RecordDelivery(ctx context.Context, campaignID string, step int, evType model.DeliveryEventType, payloadHash string, at time.Time) error {
	appended, err := m.store.AppendEvent(ctx, &model.DeliveryEvent{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		Step:        step,
		Type:        evType,
		PayloadHash: payloadHash,
		OccurredAt:  at,
		RecordedAt:  m.now().UTC(),
	})
	if err != nil {
		return eris.Wrapf(err, "campaign: record %s event for %s", evType, campaignID)
	}

	// The status write runs even when the event was already on record: it
	// is idempotent, and a retry after a failed write must converge.
	if status := sendStatusFor(evType); status != "" {
		if err := m.store.UpdateSendStatus(ctx, campaignID, step, status, at); err != nil {
			return eris.Wrapf(err, "campaign: update step %d status for %s", step, campaignID)
		}
	}
	if !appended {
		return nil
	}

	m.publish(events.Event{
		Type:       events.TypeEmailEvent,
		CampaignID: campaignID,
		Message:    fmt.Sprintf("email %s on step %d of campaign %s", evType, step, campaignID),
		Details:    map[string]any{"step": step, "event": string(evType)},
	})
	return nil
}

func (m *Machine) send(ctx context.Context, p *model.Prospect, step int, idemKey, tag string) (*brevo.SendResult, error) {
	if p.Email == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("campaign: prospect %s has no email", p.ID))
	}
	cfg := m.seq.Steps[step]
	result, err := m.sender.SendTemplate(ctx, brevo.SendRequest{
		ToEmail:        p.Email,
		ToName:         p.DisplayName,
		TemplateID:     cfg.TemplateID,
		IdempotencyKey: idemKey,
		Tags:           []string{tag},
		Params: map[string]any{
			"name":      p.DisplayName,
			"store_ref": p.StoreRef,
			"subject":   cfg.Subject,
		},
	})
	if err != nil {
		return nil, classifySendError(err)
	}
	return result, nil
}

func (m *Machine) sendClaimConfirmation(ctx context.Context, c *model.Campaign) error {
	p, err := m.store.GetProspect(ctx, c.ProspectID)
	if err != nil {
		return eris.Wrapf(err, "campaign: load prospect %s", c.ProspectID)
	}
	if p.Email == "" {
		return eris.Errorf("campaign: prospect %s has no email", p.ID)
	}
	_, err = m.sender.SendTemplate(ctx, brevo.SendRequest{
		ToEmail:        p.Email,
		ToName:         p.DisplayName,
		TemplateID:     m.seq.ClaimTemplateID,
		IdempotencyKey: sendKey(c.ID, -1),
		Params: map[string]any{
			"name":      p.DisplayName,
			"store_ref": c.StoreRef,
		},
	})
	return err
}

func (m *Machine) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), ev)
	}
}

func sendStatusFor(evType model.DeliveryEventType) string {
	switch evType {
	case model.EventDelivered:
		return "delivered"
	case model.EventOpened:
		return "opened"
	case model.EventClicked:
		return "clicked"
	case model.EventHardBounce, model.EventSoftBounce:
		return "bounced"
	}
	return ""
}

// classifySendError maps transport errors onto the retry taxonomy.
func classifySendError(err error) error {
	var se *brevo.StatusError
	if errors.As(err, &se) {
		if resilience.IsTransientHTTPStatus(se.StatusCode) {
			return resilience.NewTransientError(err, se.StatusCode)
		}
		return resilience.NewPermanentError(err)
	}
	return err
}

package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/pkg/brevo"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	prospects map[string]*model.Prospect
	events    map[string]*model.DeliveryEvent // keyed by payload hash
	sends     map[string][]model.StepSend

	// One-shot failure injection, cleared after the next matching call.
	claimErr  error
	statusErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]*model.Campaign{},
		prospects: map[string]*model.Prospect{},
		events:    map[string]*model.DeliveryEvent{},
		sends:     map[string][]model.StepSend{},
	}
}

func (f *fakeStore) CreateCampaign(_ context.Context, c *model.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.campaigns {
		if existing.StoreRef == c.StoreRef {
			return eris.New("store ref already has a campaign")
		}
	}
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Sends = append([]model.StepSend(nil), f.sends[id]...)
	return &cp, nil
}

func (f *fakeStore) GetCampaignByStoreRef(_ context.Context, storeRef string) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.campaigns {
		if c.StoreRef == storeRef {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DueCampaigns(_ context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []model.Campaign
	for _, c := range f.campaigns {
		if !c.State.Terminal() && c.NextWakeAt != nil && !c.NextWakeAt.After(now) {
			due = append(due, *c)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeStore) TransitionCampaign(_ context.Context, id string, from, to model.CampaignState, nextWakeAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return false, eris.New("campaign not found")
	}
	if c.State.Terminal() || c.State != from {
		return false, nil
	}
	c.State = to
	c.NextWakeAt = nextWakeAt
	return true, nil
}

func (f *fakeStore) ClaimCampaign(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		err := f.claimErr
		f.claimErr = nil
		return false, err
	}
	c, ok := f.campaigns[id]
	if !ok {
		return false, eris.New("campaign not found")
	}
	if c.State.Terminal() {
		return false, nil
	}
	c.State = model.CampClaimed
	c.ClaimedAt = &at
	c.NextWakeAt = nil
	return true, nil
}

func (f *fakeStore) RecordSend(_ context.Context, campaignID string, send model.StepSend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sends[campaignID] {
		if s.Step == send.Step {
			return nil
		}
	}
	f.sends[campaignID] = append(f.sends[campaignID], send)
	return nil
}

func (f *fakeStore) UpdateSendStatus(_ context.Context, campaignID string, step int, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		err := f.statusErr
		f.statusErr = nil
		return err
	}
	for i, s := range f.sends[campaignID] {
		if s.Step == step {
			f.sends[campaignID][i].Status = status
			f.sends[campaignID][i].UpdatedAt = &at
		}
	}
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, ev *model.DeliveryEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.events[ev.PayloadHash]; dup {
		return false, nil
	}
	cp := *ev
	f.events[ev.PayloadHash] = &cp
	return true, nil
}

func (f *fakeStore) GetProspect(_ context.Context, id string) (*model.Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prospects[id]
	if !ok {
		return nil, eris.New("prospect not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetProspectByStoreRef(_ context.Context, storeRef string) (*model.Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prospects {
		if p.StoreRef == storeRef {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TransitionProspect(_ context.Context, id string, from, to model.ProspectStatus, _ model.Stage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prospects[id]
	if !ok {
		return false, eris.New("prospect not found")
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

type fakeSender struct {
	mu       sync.Mutex
	requests []brevo.SendRequest
	err      error
	onSend   func(req brevo.SendRequest)
}

func (f *fakeSender) SendTemplate(_ context.Context, req brevo.SendRequest) (*brevo.SendResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &brevo.SendResult{MessageID: "msg-" + req.ToEmail}, nil
}

func (f *fakeSender) sent() []brevo.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]brevo.SendRequest(nil), f.requests...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestMachine(store *fakeStore, sender *fakeSender) *Machine {
	return NewMachine(store, sender, DefaultSequence(), nil).WithClock(fixedClock(baseTime))
}

func seedProspect(store *fakeStore) *model.Prospect {
	p := &model.Prospect{
		ID:          "p-1",
		Status:      model.StatusOutreachActive,
		DisplayName: "Jane Maker",
		Email:       "jane@example.com",
		StoreRef:    "store-77",
	}
	store.prospects[p.ID] = p
	return p
}

func TestStart_SendsStepZeroAndSchedulesReminder(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampStep0Sent, c.State)
	require.NotNil(t, c.NextWakeAt)
	assert.Equal(t, baseTime.Add(72*time.Hour), *c.NextWakeAt)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "jane@example.com", sent[0].ToEmail)
	assert.Equal(t, int64(1), sent[0].TemplateID)
	assert.Equal(t, "idem-tok", sent[0].IdempotencyKey)

	require.Len(t, store.sends[id], 1)
	assert.Equal(t, 0, store.sends[id][0].Step)
}

func TestSendTagRoundTrip(t *testing.T) {
	tag := SendTag("c-12", 2)
	id, step, ok := ParseSendTag(tag)
	require.True(t, ok)
	assert.Equal(t, "c-12", id)
	assert.Equal(t, 2, step)

	_, _, ok = ParseSendTag("garbage")
	assert.False(t, ok)
	_, _, ok = ParseSendTag("|3")
	assert.False(t, ok)
}

func TestStart_TagsSendWithCampaignID(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	sent := sender.sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Tags, 1)
	gotID, step, ok := ParseSendTag(sent[0].Tags[0])
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, 0, step)
}

func TestStart_ExistingCampaignIsReturned(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	first, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	second, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, sender.sent(), 1)
}

func TestAdvance_SendsNextStep(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	require.NoError(t, m.Advance(context.Background(), id))

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampStep1Sent, c.State)
	require.NotNil(t, c.NextWakeAt)
	assert.Equal(t, baseTime.Add(168*time.Hour), *c.NextWakeAt)

	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(2), sent[1].TemplateID)
}

func TestAdvance_FinalOffsetAbandons(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)
	require.NoError(t, m.Advance(context.Background(), id)) // step 1
	require.NoError(t, m.Advance(context.Background(), id)) // step 2
	require.NoError(t, m.Advance(context.Background(), id)) // abandon

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampAbandoned, c.State)
	assert.Nil(t, c.NextWakeAt)
	assert.Equal(t, model.StatusAbandoned, store.prospects[p.ID].Status)
	assert.Len(t, sender.sent(), 3)
}

func TestClaim_StopsScheduledReminders(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)
	require.NoError(t, m.Advance(context.Background(), id)) // step 1 sent

	claimed, err := m.Claim(context.Background(), "store-77", "hash-1", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed)

	// The step 2 offset elapsing later must not send anything.
	require.NoError(t, m.Advance(context.Background(), id))

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampClaimed, c.State)
	assert.Equal(t, model.StatusClaimed, store.prospects[p.ID].Status)

	// step 0, step 1, claim confirmation.
	sent := sender.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, int64(4), sent[2].TemplateID)
}

func TestClaim_DuplicatePayloadIsNoop(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	_, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "store-77", "hash-1", baseTime)
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := m.Claim(context.Background(), "store-77", "hash-1", baseTime)
	require.NoError(t, err)
	assert.False(t, again)

	// One confirmation only.
	confirmations := 0
	for _, req := range sender.sent() {
		if req.TemplateID == 4 {
			confirmations++
		}
	}
	assert.Equal(t, 1, confirmations)
}

func TestClaim_WhileSendInFlightRecordsSendWithoutTransition(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	// The claim lands while the step 1 email is in flight.
	sender.onSend = func(req brevo.SendRequest) {
		if req.TemplateID == 2 {
			_, _ = store.ClaimCampaign(context.Background(), id, baseTime) //nolint:errcheck
		}
	}
	require.NoError(t, m.Advance(context.Background(), id))

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampClaimed, c.State)

	// The in-flight send is still recorded against the campaign.
	require.Len(t, store.sends[id], 2)
}

func TestAdvance_SendFailureStaysPending(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	sender.err = &brevo.StatusError{StatusCode: 503, Body: "down"}
	require.Error(t, m.Advance(context.Background(), id))

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampStep1Pending, c.State)
	require.NotNil(t, c.NextWakeAt)
	assert.Equal(t, baseTime.Add(15*time.Minute), *c.NextWakeAt)

	// The retry wake re-fires the pending step directly.
	sender.err = nil
	require.NoError(t, m.Advance(context.Background(), id))
	c, err = store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampStep1Sent, c.State)
}

func TestRecordDelivery_DedupsAndNeverTransitions(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	require.NoError(t, m.RecordDelivery(context.Background(), id, 0, model.EventHardBounce, "ev-1", baseTime))
	require.NoError(t, m.RecordDelivery(context.Background(), id, 0, model.EventHardBounce, "ev-1", baseTime))

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	// Bounce is reporting only; the sequence keeps going.
	assert.Equal(t, model.CampStep0Sent, c.State)
	assert.Equal(t, "bounced", store.sends[id][0].Status)
	assert.Len(t, store.events, 1)
}

func TestClaim_RetryAfterStoreErrorStillClaims(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	// The claim write fails once after the event was recorded. The
	// webhook retry carries the same payload, and the claim must still
	// land: the event dedup cannot eat it.
	store.claimErr = eris.New("connection reset")
	_, err = m.Claim(context.Background(), "store-77", "hash-1", baseTime)
	require.Error(t, err)

	claimed, err := m.Claim(context.Background(), "store-77", "hash-1", baseTime)
	require.NoError(t, err)
	assert.True(t, claimed)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampClaimed, c.State)
	assert.Equal(t, model.StatusClaimed, store.prospects[p.ID].Status)
}

func TestRecordDelivery_RetryAfterStatusErrorConverges(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	store.statusErr = eris.New("connection reset")
	require.Error(t, m.RecordDelivery(context.Background(), id, 0, model.EventOpened, "ev-1", baseTime))

	// The webhook retry replays the same payload; the status write must
	// still happen even though the event is already on record.
	require.NoError(t, m.RecordDelivery(context.Background(), id, 0, model.EventOpened, "ev-1", baseTime))
	assert.Equal(t, "opened", store.sends[id][0].Status)
	assert.Len(t, store.events, 1)
}

func TestAbandon_StopsReminders(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	ended, err := m.Abandon(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ended)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampAbandoned, c.State)
	assert.Nil(t, c.NextWakeAt)
	assert.Equal(t, model.StatusAbandoned, store.prospects[p.ID].Status)

	// A scheduler firing afterwards sends nothing.
	require.NoError(t, m.Advance(context.Background(), id))
	assert.Len(t, sender.sent(), 1)
}

func TestAbandon_TerminalCampaignRefused(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "store-77", "hash-1", baseTime)
	require.NoError(t, err)
	require.True(t, claimed)

	ended, err := m.Abandon(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ended)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampClaimed, c.State)
}

func TestClaim_BeforeOutreachStartsOpensClaimedCampaign(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)

	// Store provisioned, outreach not yet started: no campaign row exists.
	p := &model.Prospect{
		ID:          "p-2",
		Status:      model.StatusStoreProvisioned,
		DisplayName: "Early Bird",
		Email:       "early@example.com",
		StoreRef:    "store-88",
	}
	store.prospects[p.ID] = p

	claimed, err := m.Claim(context.Background(), "store-88", "hash-9", baseTime)
	require.NoError(t, err)
	assert.True(t, claimed)

	c, err := store.GetCampaignByStoreRef(context.Background(), "store-88")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, model.CampClaimed, c.State)
	require.NotNil(t, c.ClaimedAt)
	assert.Equal(t, model.StatusClaimed, store.prospects[p.ID].Status)

	// A late outreach start finds the claimed campaign and sends nothing.
	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)
	assert.Empty(t, sender.sent())
}

func TestClaim_UnknownStoreRefErrors(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, &fakeSender{})

	_, err := m.Claim(context.Background(), "store-404", "hash-1", baseTime)
	require.Error(t, err)
}

func TestScheduler_RunOncePicksUpDueCampaigns(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := newTestMachine(store, sender)
	p := seedProspect(store)

	id, err := m.Start(context.Background(), p, "idem-tok")
	require.NoError(t, err)

	sched := NewScheduler(store, m, time.Minute)
	sched.now = fixedClock(baseTime.Add(73 * time.Hour))

	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.CampStep1Sent, c.State)

	// Nothing due immediately after the sweep.
	n, err = sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

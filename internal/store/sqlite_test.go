package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kliq-group/growth-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedProspect(t *testing.T, st *SQLiteStore, key string) *model.Prospect {
	t.Helper()
	p := &model.Prospect{
		IdentityKey: key,
		DisplayName: "Jane Maker",
		Email:       "jane@example.com",
		NicheTags:   []string{"woodworking", "diy"},
		Links:       []string{"https://janemaker.com"},
		Sources: []model.SourceRef{
			{Platform: model.PlatformYouTube, SourceID: "UC123", URL: "https://youtube.com/@jane"},
		},
	}
	require.NoError(t, st.CreateProspect(context.Background(), p))
	return p
}

// --- Prospects ---

func TestSQLite_CreateAndGetProspect(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := seedProspect(t, st, "key-1")

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusDiscovered, got.Status)
	assert.Equal(t, "Jane Maker", got.DisplayName)
	assert.Equal(t, []string{"woodworking", "diy"}, got.NicheTags)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, model.PlatformYouTube, got.Sources[0].Platform)

	byKey, err := st.GetProspectByKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, p.ID, byKey.ID)
}

func TestSQLite_GetProspect_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetProspect(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_TransitionProspect_CAS(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	applied, err := st.TransitionProspect(ctx, p.ID, model.StatusDiscovered, model.StatusScraped, "")
	require.NoError(t, err)
	assert.True(t, applied)

	// Replaying the same move fails the guard: status is no longer discovered.
	applied, err = st.TransitionProspect(ctx, p.ID, model.StatusDiscovered, model.StatusScraped, "")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScraped, got.Status)
}

func TestSQLite_TransitionProspect_RejectsIllegalJump(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	// Skipping stages is refused before the row is touched.
	applied, err := st.TransitionProspect(ctx, p.ID, model.StatusDiscovered, model.StatusStoreProvisioned, "")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDiscovered, got.Status)
}

func TestSQLite_TransitionProspect_FailedStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	applied, err := st.TransitionProspect(ctx, p.ID, model.StatusDiscovered, model.StatusFailed, model.StageScrape)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.StageScrape, got.FailedStage)
}

func TestSQLite_AddSourceRef_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	ref := model.SourceRef{Platform: model.PlatformSkool, SourceID: "group-9", URL: "https://skool.com/group-9"}
	require.NoError(t, st.AddSourceRef(ctx, p.ID, ref))
	require.NoError(t, st.AddSourceRef(ctx, p.ID, ref))

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Sources, 2)
}

func TestSQLite_DedupLookups(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	bySource, err := st.ProspectBySource(ctx, model.PlatformYouTube, "UC123")
	require.NoError(t, err)
	require.NotNil(t, bySource)
	assert.Equal(t, p.ID, bySource.ID)

	byLink, err := st.ProspectByLink(ctx, "https://janemaker.com")
	require.NoError(t, err)
	require.NotNil(t, byLink)
	assert.Equal(t, p.ID, byLink.ID)

	missing, err := st.ProspectByLink(ctx, "https://elsewhere.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	similar, err := st.SimilarProspects(ctx, "jane maker", 10)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, p.ID, similar[0].ID)
}

func TestSQLite_SetStageOutput(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	require.NoError(t, st.SetStageOutput(ctx, p.ID, model.StageScrape, "profiles/p1.json"))
	require.NoError(t, st.SetStageOutput(ctx, p.ID, model.StageProvision, "store-77"))

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "profiles/p1.json", got.ProfileRef)
	assert.Equal(t, "store-77", got.StoreRef)

	byStore, err := st.GetProspectByStoreRef(ctx, "store-77")
	require.NoError(t, err)
	require.NotNil(t, byStore)
	assert.Equal(t, p.ID, byStore.ID)
}

func TestSQLite_ListProspects_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p1 := seedProspect(t, st, "key-1")
	seedProspect(t, st, "key-2")

	_, err := st.TransitionProspect(ctx, p1.ID, model.StatusDiscovered, model.StatusScraped, "")
	require.NoError(t, err)

	scraped, err := st.ListProspects(ctx, ProspectFilter{Status: model.StatusScraped})
	require.NoError(t, err)
	require.Len(t, scraped, 1)
	assert.Equal(t, p1.ID, scraped[0].ID)

	all, err := st.ListProspects(ctx, ProspectFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Stage runs ---

func TestSQLite_StageRun_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	run := &model.StageRun{ProspectID: p.ID, Stage: model.StageScrape, Generation: 0, IdempotencyToken: "tok-1"}
	require.NoError(t, st.CreateStageRun(ctx, run))
	require.NoError(t, st.RecordStageAttempt(ctx, run.ID, 2))

	applied, err := st.CompleteStageRun(ctx, run.ID, model.OutcomeSuccess, "profiles/p1.json", "")
	require.NoError(t, err)
	assert.True(t, applied)

	// Completion is sticky.
	applied, err = st.CompleteStageRun(ctx, run.ID, model.OutcomeFailed, "", "boom")
	require.NoError(t, err)
	assert.False(t, applied)

	latest, err := st.LatestStageRun(ctx, p.ID, model.StageScrape)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.OutcomeSuccess, latest.Outcome)
	assert.Equal(t, 2, latest.Attempts)
	assert.Equal(t, "tok-1", latest.IdempotencyToken)
	assert.NotNil(t, latest.EndedAt)
}

func TestSQLite_StageRun_LatestGenerationWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	gen0 := &model.StageRun{ProspectID: p.ID, Stage: model.StageScrape, Generation: 0, IdempotencyToken: "tok-0"}
	require.NoError(t, st.CreateStageRun(ctx, gen0))
	gen1 := &model.StageRun{ProspectID: p.ID, Stage: model.StageScrape, Generation: 1, IdempotencyToken: "tok-1"}
	require.NoError(t, st.CreateStageRun(ctx, gen1))

	latest, err := st.LatestStageRun(ctx, p.ID, model.StageScrape)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Generation)
	assert.Equal(t, "tok-1", latest.IdempotencyToken)
}

func TestSQLite_StageRun_DuplicateGenerationRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")

	run := &model.StageRun{ProspectID: p.ID, Stage: model.StageScrape, Generation: 0, IdempotencyToken: "tok-0"}
	require.NoError(t, st.CreateStageRun(ctx, run))

	dup := &model.StageRun{ProspectID: p.ID, Stage: model.StageScrape, Generation: 0, IdempotencyToken: "tok-x"}
	assert.Error(t, st.CreateStageRun(ctx, dup))
}

// --- Campaigns ---

func seedCampaign(t *testing.T, st *SQLiteStore, prospectID, storeRef string, wake time.Time) *model.Campaign {
	t.Helper()
	c := &model.Campaign{ProspectID: prospectID, StoreRef: storeRef, State: model.CampStep0Sent, NextWakeAt: &wake}
	require.NoError(t, st.CreateCampaign(context.Background(), c))
	return c
}

func TestSQLite_Campaign_DueAndTransition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")
	now := time.Now().UTC()
	c := seedCampaign(t, st, p.ID, "store-1", now.Add(-time.Minute))

	due, err := st.DueCampaigns(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, c.ID, due[0].ID)

	next := now.Add(7 * 24 * time.Hour)
	applied, err := st.TransitionCampaign(ctx, c.ID, model.CampStep0Sent, model.CampStep1Pending, &next)
	require.NoError(t, err)
	assert.True(t, applied)

	// Stale from-state loses the race.
	applied, err = st.TransitionCampaign(ctx, c.ID, model.CampStep0Sent, model.CampStep1Pending, &next)
	require.NoError(t, err)
	assert.False(t, applied)

	due, err = st.DueCampaigns(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSQLite_ClaimCampaign_Sticky(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")
	now := time.Now().UTC()
	c := seedCampaign(t, st, p.ID, "store-1", now.Add(time.Hour))

	applied, err := st.ClaimCampaign(ctx, c.ID, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// Second claim and later transitions are both rejected.
	applied, err = st.ClaimCampaign(ctx, c.ID, now)
	require.NoError(t, err)
	assert.False(t, applied)

	wake := now.Add(time.Hour)
	applied, err = st.TransitionCampaign(ctx, c.ID, model.CampClaimed, model.CampAbandoned, &wake)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampClaimed, got.State)
	assert.Nil(t, got.NextWakeAt)
	require.NotNil(t, got.ClaimedAt)
}

func TestSQLite_RecordSend_FirstWriteWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")
	c := seedCampaign(t, st, p.ID, "store-1", time.Now().UTC())

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordSend(ctx, c.ID, model.StepSend{Step: 0, SentAt: first, MessageID: "msg-1", Status: "sent"}))
	require.NoError(t, st.RecordSend(ctx, c.ID, model.StepSend{Step: 0, SentAt: first.Add(time.Hour), MessageID: "msg-2", Status: "sent"}))

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Sends, 1)
	assert.Equal(t, "msg-1", got.Sends[0].MessageID)

	require.NoError(t, st.UpdateSendStatus(ctx, c.ID, 0, "opened", first.Add(2*time.Hour)))
	got, err = st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "opened", got.Sends[0].Status)
}

// --- Events ---

func TestSQLite_AppendEvent_Dedup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProspect(t, st, "key-1")
	c := seedCampaign(t, st, p.ID, "store-1", time.Now().UTC())

	ev := &model.DeliveryEvent{CampaignID: c.ID, Type: model.EventOpened, PayloadHash: "hash-1", OccurredAt: time.Now().UTC()}
	recorded, err := st.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, recorded)

	dup := &model.DeliveryEvent{CampaignID: c.ID, Type: model.EventOpened, PayloadHash: "hash-1", OccurredAt: time.Now().UTC()}
	recorded, err = st.AppendEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, recorded)

	events, err := st.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// --- Merge candidates ---

func TestSQLite_MergeCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p1 := seedProspect(t, st, "key-1")
	p2 := seedProspect(t, st, "key-2")

	mc := &model.MergeCandidate{ProspectID: p1.ID, CandidateID: p2.ID, Signal: "name_similarity", Similarity: 0.91}
	require.NoError(t, st.CreateMergeCandidate(ctx, mc))
	// Same pair again is a no-op.
	require.NoError(t, st.CreateMergeCandidate(ctx, &model.MergeCandidate{
		ProspectID: p1.ID, CandidateID: p2.ID, Signal: "name_similarity", Similarity: 0.93,
	}))

	list, err := st.ListMergeCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0.91, list[0].Similarity)

	// Pushed candidates drop out of the queue.
	require.NoError(t, st.MarkMergeCandidatePushed(ctx, list[0].ID, "page-1"))
	list, err = st.ListMergeCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

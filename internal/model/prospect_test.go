package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	tests := []struct {
		name string
		from ProspectStatus
		to   ProspectStatus
		want bool
	}{
		{"discovered to scraped", StatusDiscovered, StatusScraped, true},
		{"scraped to generated", StatusScraped, StatusContentGenerated, true},
		{"generated to provisioned", StatusContentGenerated, StatusStoreProvisioned, true},
		{"provisioned to outreach", StatusStoreProvisioned, StatusOutreachActive, true},
		{"outreach to claimed", StatusOutreachActive, StatusClaimed, true},
		{"outreach to abandoned", StatusOutreachActive, StatusAbandoned, true},
		{"no skipping", StatusDiscovered, StatusContentGenerated, false},
		{"no backward", StatusStoreProvisioned, StatusScraped, false},
		{"any to failed", StatusScraped, StatusFailed, true},
		{"claimed is terminal", StatusClaimed, StatusAbandoned, false},
		{"abandoned is terminal", StatusAbandoned, StatusClaimed, false},
		{"merged is terminal", StatusMerged, StatusDiscovered, false},
		{"failed resumes forward", StatusFailed, StatusStoreProvisioned, true},
		{"failed cannot resume to failed", StatusFailed, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestProspect_PrimarySource(t *testing.T) {
	early := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	p := &Prospect{Sources: []SourceRef{
		{Platform: PlatformWebsite, SourceID: "coachsite.com", DiscoveredAt: late},
		{Platform: PlatformYouTube, SourceID: "yt:123", DiscoveredAt: early},
	}}

	primary := p.PrimarySource()
	assert.Equal(t, PlatformYouTube, primary.Platform)
	assert.Equal(t, "yt:123", primary.SourceID)
}

func TestProspect_PrimarySource_Empty(t *testing.T) {
	p := &Prospect{}
	assert.Nil(t, p.PrimarySource())
}

func TestProspect_HasSource(t *testing.T) {
	p := &Prospect{Sources: []SourceRef{
		{Platform: PlatformYouTube, SourceID: "yt:123"},
	}}
	assert.True(t, p.HasSource(PlatformYouTube, "yt:123"))
	assert.False(t, p.HasSource(PlatformYouTube, "yt:999"))
	assert.False(t, p.HasSource(PlatformSkool, "yt:123"))
}

func TestStage_NextAndStatus(t *testing.T) {
	assert.Equal(t, StageScrape, StageDiscover.Next())
	assert.Equal(t, StageOutreachStart, StageProvision.Next())
	assert.Equal(t, Stage(""), StageOutreachStart.Next())

	assert.Equal(t, StatusStoreProvisioned, StageProvision.StatusAfter())
	assert.Equal(t, StageScrape, StageFor(StatusScraped))
}

func TestCampaignState_AtOrPast(t *testing.T) {
	assert.True(t, CampStep1Sent.AtOrPast(1))
	assert.True(t, CampStep2Sent.AtOrPast(1))
	assert.False(t, CampStep0Sent.AtOrPast(1))
	assert.False(t, CampStep1Pending.AtOrPast(1))
	assert.True(t, CampStep1Pending.AtOrPast(0))
	assert.True(t, CampClaimed.AtOrPast(2))
	assert.True(t, CampAbandoned.AtOrPast(2))
}

func TestCampaign_SendFor(t *testing.T) {
	c := &Campaign{Sends: []StepSend{{Step: 0, MessageID: "m0"}, {Step: 1, MessageID: "m1"}}}
	assert.Equal(t, "m1", c.SendFor(1).MessageID)
	assert.Nil(t, c.SendFor(2))
}

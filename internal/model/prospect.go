package model

import (
	"time"
)

// Platform identifies a source platform a prospect can be discovered on.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformSkool     Platform = "skool"
	PlatformPatreon   Platform = "patreon"
	PlatformWebsite   Platform = "website"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
)

// ProspectStatus represents where a prospect sits in the acquisition pipeline.
// Statuses only move forward in pipeline order, or sideways into failed.
type ProspectStatus string

const (
	StatusDiscovered       ProspectStatus = "discovered"
	StatusScraped          ProspectStatus = "scraped"
	StatusContentGenerated ProspectStatus = "content_generated"
	StatusStoreProvisioned ProspectStatus = "store_provisioned"
	StatusOutreachActive   ProspectStatus = "outreach_active"
	StatusClaimed          ProspectStatus = "claimed"
	StatusAbandoned        ProspectStatus = "abandoned"
	StatusFailed           ProspectStatus = "failed"
	StatusMerged           ProspectStatus = "merged"
)

// statusRank orders the forward-moving statuses. Failed and merged sit
// outside the ordering and are handled explicitly.
var statusRank = map[ProspectStatus]int{
	StatusDiscovered:       0,
	StatusScraped:          1,
	StatusContentGenerated: 2,
	StatusStoreProvisioned: 3,
	StatusOutreachActive:   4,
	StatusClaimed:          5,
	StatusAbandoned:        5,
}

// CanTransition reports whether a prospect may move from its current status
// to next. Forward moves of exactly one rank are allowed, any status may
// move to failed, and a failed prospect may resume at the status it failed
// out of. Terminal statuses (claimed, abandoned, merged) never move.
func (s ProspectStatus) CanTransition(next ProspectStatus) bool {
	if s == StatusClaimed || s == StatusAbandoned || s == StatusMerged {
		return false
	}
	if next == StatusFailed || next == StatusMerged {
		return true
	}
	if s == StatusFailed {
		// Requeue: resume anywhere in the forward ordering.
		_, ok := statusRank[next]
		return ok
	}
	if next == StatusClaimed && s == StatusStoreProvisioned {
		// A store can be claimed as soon as it exists, even before the
		// first outreach email goes out.
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// Terminal reports whether the status admits no further transitions.
func (s ProspectStatus) Terminal() bool {
	return s == StatusClaimed || s == StatusAbandoned || s == StatusMerged
}

// SourceRef records one sighting of a prospect on a platform.
type SourceRef struct {
	Platform     Platform  `json:"platform"`
	SourceID     string    `json:"source_id"`
	URL          string    `json:"url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DiscoveredRecord is the raw input to the dedup engine: one profile as
// returned by a platform adapter, before identity resolution.
type DiscoveredRecord struct {
	Platform    Platform `json:"platform"`
	SourceID    string   `json:"source_id"`
	DisplayName string   `json:"display_name"`
	URL         string   `json:"url,omitempty"`
	Email       string   `json:"email,omitempty"`
	Links       []string `json:"links,omitempty"`
	NicheTags   []string `json:"niche_tags,omitempty"`
}

// Prospect is a deduplicated real-world coach/creator tracked through the
// pipeline. At most one prospect exists per identity key.
type Prospect struct {
	ID          string         `json:"id"`
	IdentityKey string         `json:"identity_key"`
	Status      ProspectStatus `json:"status"`
	FailedStage Stage          `json:"failed_stage,omitempty"`

	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	NicheTags   []string `json:"niche_tags,omitempty"`
	Links       []string `json:"links,omitempty"`

	Sources []SourceRef `json:"sources"`

	// Opaque handles produced by pipeline stages.
	ProfileRef string `json:"profile_ref,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
	StoreRef   string `json:"store_ref,omitempty"`
	ClaimToken string `json:"claim_token,omitempty"`

	// MergedInto is set when this prospect was folded into another.
	MergedInto string `json:"merged_into,omitempty"`

	DiscoveredAt time.Time  `json:"discovered_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PrimarySource returns the earliest source reference, which anchors the
// prospect's identity.
func (p *Prospect) PrimarySource() *SourceRef {
	if len(p.Sources) == 0 {
		return nil
	}
	primary := &p.Sources[0]
	for i := range p.Sources[1:] {
		if p.Sources[i+1].DiscoveredAt.Before(primary.DiscoveredAt) {
			primary = &p.Sources[i+1]
		}
	}
	return primary
}

// HasSource reports whether the prospect already carries a reference to
// the given platform+source-id pair.
func (p *Prospect) HasSource(platform Platform, sourceID string) bool {
	for _, s := range p.Sources {
		if s.Platform == platform && s.SourceID == sourceID {
			return true
		}
	}
	return false
}

// MergeCandidate records a weak-signal match between two prospects that
// needs human review before any merge happens.
type MergeCandidate struct {
	ID          string    `json:"id"`
	ProspectID  string    `json:"prospect_id"`
	CandidateID string    `json:"candidate_id"`
	Signal      string    `json:"signal"`
	Similarity  float64   `json:"similarity"`
	CreatedAt   time.Time `json:"created_at"`
}

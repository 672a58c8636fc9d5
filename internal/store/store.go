// Package store persists prospects, stage runs, campaigns, and delivery
// events. Two backends implement the same interface: postgres (production)
// and sqlite (local/dev).
//
// Mutations that guard a state machine are compare-and-set style: they
// take the expected current state and report whether the write applied.
// Terminal states are sticky; a stale writer gets applied=false instead of
// clobbering a newer state.
package store

import (
	"context"
	"time"

	"github.com/kliq-group/growth-engine/internal/model"
)

// ProspectFilter selects prospects for listing.
type ProspectFilter struct {
	Status      model.ProspectStatus `json:"status,omitempty"`
	FailedStage model.Stage          `json:"failed_stage,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
}

// Store is the persistence interface for the growth pipeline.
type Store interface {
	// Prospects. Identity-key uniqueness is enforced by the backend.
	CreateProspect(ctx context.Context, p *model.Prospect) error
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	GetProspectByKey(ctx context.Context, identityKey string) (*model.Prospect, error)
	GetProspectByStoreRef(ctx context.Context, storeRef string) (*model.Prospect, error)
	ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error)

	// TransitionProspect applies a compare-and-set status move. The write
	// applies only when the stored status still equals from. failedStage
	// is recorded when to is failed, cleared otherwise.
	TransitionProspect(ctx context.Context, id string, from, to model.ProspectStatus, failedStage model.Stage) (bool, error)

	// AddSourceRef attaches a sighting to a prospect. Replays of the same
	// platform+source-id are no-ops.
	AddSourceRef(ctx context.Context, prospectID string, ref model.SourceRef) error

	// AddLinks indexes normalized links for dedup lookups. Replays are
	// no-ops.
	AddLinks(ctx context.Context, prospectID string, links []string) error

	// SetStageOutput records the opaque handle a stage produced.
	SetStageOutput(ctx context.Context, prospectID string, stage model.Stage, outputRef string) error
	SetClaimToken(ctx context.Context, prospectID, token string) error
	SetProspectEmail(ctx context.Context, prospectID, email string) error

	// Merge-candidate review queue (weak-signal dedup matches).
	// ListMergeCandidates returns only candidates not yet pushed to the
	// external review surface.
	CreateMergeCandidate(ctx context.Context, mc *model.MergeCandidate) error
	ListMergeCandidates(ctx context.Context, limit int) ([]model.MergeCandidate, error)
	MarkMergeCandidatePushed(ctx context.Context, id, pageRef string) error

	// Dedup index lookups (identity.Index).
	ProspectBySource(ctx context.Context, platform model.Platform, sourceID string) (*model.Prospect, error)
	ProspectByLink(ctx context.Context, link string) (*model.Prospect, error)
	SimilarProspects(ctx context.Context, normalizedName string, limit int) ([]model.Prospect, error)

	// Stage runs. One logical run per (prospect, stage, generation); the
	// idempotency token is fixed at creation and reused on every retry.
	CreateStageRun(ctx context.Context, run *model.StageRun) error
	LatestStageRun(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error)
	RecordStageAttempt(ctx context.Context, runID string, attempts int) error

	// CompleteStageRun finalizes a run. The write applies only when the
	// run has no outcome yet; a late completion against an exhausted run
	// reports applied=false.
	CompleteStageRun(ctx context.Context, runID string, outcome model.StageOutcome, outputRef, errMsg string) (bool, error)

	// Campaigns.
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	GetCampaignByStoreRef(ctx context.Context, storeRef string) (*model.Campaign, error)
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)

	// TransitionCampaign applies a compare-and-set state move and updates
	// the persisted wake time. Terminal states never transition.
	TransitionCampaign(ctx context.Context, id string, from, to model.CampaignState, nextWakeAt *time.Time) (bool, error)

	// ClaimCampaign marks the campaign claimed regardless of its current
	// non-terminal state. Applied=false when already terminal.
	ClaimCampaign(ctx context.Context, id string, at time.Time) (bool, error)

	RecordSend(ctx context.Context, campaignID string, send model.StepSend) error
	UpdateSendStatus(ctx context.Context, campaignID string, step int, status string, at time.Time) error

	// AppendEvent appends a delivery event. Duplicate payload hashes are
	// dropped and report applied=false.
	AppendEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error)
	ListEvents(ctx context.Context, campaignID string) ([]model.DeliveryEvent, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

package stage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/platform"
	"github.com/kliq-group/growth-engine/internal/resilience"
	"github.com/kliq-group/growth-engine/pkg/aigen"
	"github.com/kliq-group/growth-engine/pkg/storefront"
)

// Enricher folds freshly scraped links back into the prospect's identity
// surface so later discovery runs dedup against them.
type Enricher interface {
	Enrich(ctx context.Context, prospectID string, profileLinks []string) error
}

// ProfileStore is the slice of the store the scrape runner writes through.
type ProfileStore interface {
	SetProspectEmail(ctx context.Context, prospectID, email string) error
}

// ScrapeRunner pulls the public profile behind a prospect's first
// scrapeable source.
type ScrapeRunner struct {
	registry *platform.Registry
	enricher Enricher
	store    ProfileStore
}

func NewScrapeRunner(registry *platform.Registry, enricher Enricher, store ProfileStore) *ScrapeRunner {
	return &ScrapeRunner{registry: registry, enricher: enricher, store: store}
}

func (r *ScrapeRunner) Stage() model.Stage { return model.StageScrape }

func (r *ScrapeRunner) Run(ctx context.Context, p *model.Prospect, _ string) (string, error) {
	adapter, ref, err := r.pickSource(p)
	if err != nil {
		return "", err
	}

	profile, err := adapter.Scrape(ctx, ref)
	if err != nil {
		return "", eris.Wrapf(err, "scrape: %s/%s", ref.Platform, ref.SourceID)
	}

	if p.Email == "" && profile.Email != "" {
		if err := r.store.SetProspectEmail(ctx, p.ID, profile.Email); err != nil {
			return "", eris.Wrapf(err, "scrape: record email for %s", p.ID)
		}
	}
	if len(profile.Links) > 0 {
		if err := r.enricher.Enrich(ctx, p.ID, profile.Links); err != nil {
			zap.L().Warn("scrape: link enrichment failed",
				zap.String("prospect_id", p.ID),
				zap.Error(err),
			)
		}
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "scrape: encode profile"))
	}
	return string(raw), nil
}

// pickSource prefers the primary (earliest-discovered) source, then any
// other source with a registered adapter. A prospect with no scrapeable
// source is a permanent failure: retrying cannot make an adapter appear.
func (r *ScrapeRunner) pickSource(p *model.Prospect) (platform.Adapter, model.SourceRef, error) {
	if primary := p.PrimarySource(); primary != nil {
		if adapter, err := r.registry.Get(primary.Platform); err == nil {
			return adapter, *primary, nil
		}
	}
	for _, ref := range p.Sources {
		if adapter, err := r.registry.Get(ref.Platform); err == nil {
			return adapter, ref, nil
		}
	}
	return nil, model.SourceRef{}, resilience.NewPermanentError(
		eris.Errorf("scrape: no scrapeable source for prospect %s", p.ID))
}

// GenerateRunner turns a scraped profile into storefront copy.
type GenerateRunner struct {
	client aigen.Client
}

func NewGenerateRunner(client aigen.Client) *GenerateRunner {
	return &GenerateRunner{client: client}
}

func (r *GenerateRunner) Stage() model.Stage { return model.StageGenerate }

func (r *GenerateRunner) Run(ctx context.Context, p *model.Prospect, _ string) (string, error) {
	req := aigen.ContentRequest{
		DisplayName: p.DisplayName,
		NicheTags:   p.NicheTags,
		Links:       p.Links,
	}
	if p.ProfileRef != "" {
		var profile platform.Profile
		if err := json.Unmarshal([]byte(p.ProfileRef), &profile); err != nil {
			return "", resilience.NewPermanentError(eris.Wrapf(err, "generate: decode profile for %s", p.ID))
		}
		req.Bio = profile.Bio
		if len(profile.NicheTags) > 0 {
			req.NicheTags = profile.NicheTags
		}
	}

	content, err := r.client.GenerateStoreContent(ctx, req)
	if err != nil {
		return "", eris.Wrapf(err, "generate: content for %s", p.ID)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "generate: encode content"))
	}
	return string(raw), nil
}

// ClaimTokenStore is the slice of the store the provision runner writes
// through.
type ClaimTokenStore interface {
	SetClaimToken(ctx context.Context, prospectID, token string) error
}

// ProvisionRunner creates the hosted storefront. The run's idempotency
// token goes out as the Idempotency-Key, so a retried create resolves to
// the store provisioned by the first attempt.
type ProvisionRunner struct {
	client storefront.Client
	store  ClaimTokenStore
}

func NewProvisionRunner(client storefront.Client, store ClaimTokenStore) *ProvisionRunner {
	return &ProvisionRunner{client: client, store: store}
}

func (r *ProvisionRunner) Stage() model.Stage { return model.StageProvision }

func (r *ProvisionRunner) Run(ctx context.Context, p *model.Prospect, token string) (string, error) {
	var content aigen.StoreContent
	if p.ContentRef == "" {
		return "", resilience.NewPermanentError(eris.Errorf("provision: prospect %s has no generated content", p.ID))
	}
	if err := json.Unmarshal([]byte(p.ContentRef), &content); err != nil {
		return "", resilience.NewPermanentError(eris.Wrapf(err, "provision: decode content for %s", p.ID))
	}

	created, err := r.client.ProvisionStore(ctx, storefront.ProvisionRequest{
		CreatorName:    p.DisplayName,
		Headline:       content.Headline,
		About:          content.About,
		ProductIdeas:   content.ProductIdeas,
		NicheTags:      p.NicheTags,
		IdempotencyKey: token,
	})
	if err != nil {
		var se *storefront.StatusError
		if errors.As(err, &se) {
			return "", classifyStatus(eris.Wrapf(err, "provision: store for %s", p.ID), se.StatusCode)
		}
		return "", eris.Wrapf(err, "provision: store for %s", p.ID)
	}

	if created.ClaimToken != "" {
		if err := r.store.SetClaimToken(ctx, p.ID, created.ClaimToken); err != nil {
			return "", eris.Wrapf(err, "provision: record claim token for %s", p.ID)
		}
	}
	return created.Ref, nil
}

// CampaignStarter opens the outreach campaign for a provisioned prospect.
// The token keeps a retried start from sending step 0 twice.
type CampaignStarter interface {
	Start(ctx context.Context, p *model.Prospect, token string) (campaignID string, err error)
}

// OutreachRunner hands off to the campaign engine.
type OutreachRunner struct {
	starter CampaignStarter
}

func NewOutreachRunner(starter CampaignStarter) *OutreachRunner {
	return &OutreachRunner{starter: starter}
}

func (r *OutreachRunner) Stage() model.Stage { return model.StageOutreachStart }

func (r *OutreachRunner) Run(ctx context.Context, p *model.Prospect, token string) (string, error) {
	if p.Email == "" {
		return "", resilience.NewPermanentError(eris.Errorf("outreach: prospect %s has no email", p.ID))
	}
	campaignID, err := r.starter.Start(ctx, p, token)
	if err != nil {
		return "", eris.Wrapf(err, "outreach: start campaign for %s", p.ID)
	}
	return campaignID, nil
}

// classifyStatus maps an HTTP status onto the retry taxonomy.
func classifyStatus(err error, statusCode int) error {
	if resilience.IsTransientHTTPStatus(statusCode) {
		return resilience.NewTransientError(err, statusCode)
	}
	return resilience.NewPermanentError(err)
}

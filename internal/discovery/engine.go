// Package discovery ingests creator records from platform adapters and
// seed lists, deduplicating them into prospects.
package discovery

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kliq-group/growth-engine/internal/identity"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/platform"
)

// Store is the persistence surface the engine needs.
type Store interface {
	identity.Index

	CreateProspect(ctx context.Context, p *model.Prospect) error
	AddSourceRef(ctx context.Context, prospectID string, ref model.SourceRef) error
	AddLinks(ctx context.Context, prospectID string, links []string) error
	SetProspectEmail(ctx context.Context, prospectID, email string) error
	CreateMergeCandidate(ctx context.Context, mc *model.MergeCandidate) error
}

// Result holds the outcome counts of an ingest run.
type Result struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Review  int `json:"review"`
	Errors  int `json:"errors"`
}

// Engine resolves discovered records against existing prospects and
// applies the dedup decision.
type Engine struct {
	store    Store
	registry *platform.Registry
}

// NewEngine creates a discovery engine.
func NewEngine(store Store, registry *platform.Registry) *Engine {
	return &Engine{store: store, registry: registry}
}

// Run discovers on the named platforms concurrently and ingests the
// combined results. An empty platform list means all registered.
func (e *Engine) Run(ctx context.Context, platforms []model.Platform, query string, limit int) (*Result, error) {
	if len(platforms) == 0 {
		platforms = e.registry.Platforms()
	}

	records := make([][]model.DiscoveredRecord, len(platforms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range platforms {
		adapter, err := e.registry.Get(p)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			recs, err := adapter.Discover(gctx, query, limit)
			if err != nil {
				return eris.Wrapf(err, "discovery: %s", p)
			}
			records[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.DiscoveredRecord
	for _, recs := range records {
		all = append(all, recs...)
	}
	return e.Ingest(ctx, all)
}

// Ingest resolves each record and applies its dedup decision. Record
// failures are counted, not fatal.
func (e *Engine) Ingest(ctx context.Context, records []model.DiscoveredRecord) (*Result, error) {
	log := zap.L().With(zap.String("phase", "ingest"))
	result := &Result{}

	for _, rec := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := e.ingestOne(ctx, rec, result); err != nil {
			log.Warn("ingest record failed",
				zap.String("platform", string(rec.Platform)),
				zap.String("source_id", rec.SourceID),
				zap.Error(err),
			)
			result.Errors++
		}
	}

	log.Info("ingest complete",
		zap.Int("created", result.Created),
		zap.Int("merged", result.Merged),
		zap.Int("review", result.Review),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

func (e *Engine) ingestOne(ctx context.Context, rec model.DiscoveredRecord, result *Result) error {
	decision, err := identity.Resolve(ctx, e.store, rec)
	if err != nil {
		return eris.Wrap(err, "resolve")
	}

	switch decision.Action {
	case identity.ActionMerge:
		if err := e.merge(ctx, decision.Target, rec); err != nil {
			return err
		}
		result.Merged++
		return nil

	case identity.ActionReview:
		p, err := e.create(ctx, decision.Key, rec)
		if err != nil {
			return err
		}
		mc := &model.MergeCandidate{
			ProspectID:  decision.Target.ID,
			CandidateID: p.ID,
			Signal:      string(decision.Signal),
			Similarity:  decision.Similarity,
		}
		if err := e.store.CreateMergeCandidate(ctx, mc); err != nil {
			return err
		}
		result.Created++
		result.Review++
		return nil

	default:
		if _, err := e.create(ctx, decision.Key, rec); err != nil {
			return err
		}
		result.Created++
		return nil
	}
}

// merge attaches the record to an existing prospect. Stage and campaign
// state are never touched.
func (e *Engine) merge(ctx context.Context, target *model.Prospect, rec model.DiscoveredRecord) error {
	ref := model.SourceRef{Platform: rec.Platform, SourceID: rec.SourceID, URL: rec.URL}
	if ref.Platform != "" && ref.SourceID != "" && !target.HasSource(ref.Platform, ref.SourceID) {
		if err := e.store.AddSourceRef(ctx, target.ID, ref); err != nil {
			return err
		}
	}
	if err := e.store.AddLinks(ctx, target.ID, normalizedLinks(rec)); err != nil {
		return err
	}
	if rec.Email != "" && target.Email == "" {
		if err := e.store.SetProspectEmail(ctx, target.ID, rec.Email); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) create(ctx context.Context, key string, rec model.DiscoveredRecord) (*model.Prospect, error) {
	p := &model.Prospect{
		IdentityKey: key,
		Status:      model.StatusDiscovered,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		NicheTags:   rec.NicheTags,
		Links:       normalizedLinks(rec),
	}
	if rec.Platform != "" && rec.SourceID != "" {
		p.Sources = []model.SourceRef{
			{Platform: rec.Platform, SourceID: rec.SourceID, URL: rec.URL},
		}
	}
	if err := e.store.CreateProspect(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func normalizedLinks(rec model.DiscoveredRecord) []string {
	links := make([]string, 0, len(rec.Links)+1)
	if rec.URL != "" {
		links = append(links, rec.URL)
	}
	links = append(links, rec.Links...)
	return identity.NormalizeLinks(links)
}

// Enrich classifies a scraped profile's external links into source refs
// and attaches them to the prospect, feeding the link-overlap signal.
func (e *Engine) Enrich(ctx context.Context, prospectID string, profileLinks []string) error {
	normalized := identity.NormalizeLinks(profileLinks)
	if err := e.store.AddLinks(ctx, prospectID, normalized); err != nil {
		return err
	}
	for _, link := range profileLinks {
		ref, ok := platform.ClassifyLink(link)
		if !ok {
			continue
		}
		if err := e.store.AddSourceRef(ctx, prospectID, ref); err != nil {
			return err
		}
	}
	return nil
}

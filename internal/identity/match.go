package identity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
)

// Signal names the evidence class behind a match decision.
type Signal string

const (
	// SignalExact is a platform+source-id match. Definitive.
	SignalExact Signal = "exact_source"
	// SignalLinkOverlap is a shared normalized external link. Strong.
	SignalLinkOverlap Signal = "link_overlap"
	// SignalNameSimilarity is fuzzy name+niche similarity. Weak: flags a
	// merge candidate for review, never merges on its own.
	SignalNameSimilarity Signal = "name_similarity"
)

// Action is the dedup engine's verdict for a discovered record.
type Action string

const (
	ActionCreate Action = "create"
	ActionMerge  Action = "merge"
	ActionReview Action = "review"
)

// Decision is the outcome of resolving one discovered record.
type Decision struct {
	Action     Action
	Target     *model.Prospect // merge target or review counterpart
	Signal     Signal
	Similarity float64
	Key        string // identity key for the record (used on create)
}

// Index provides the prospect lookups the resolver needs. The store
// implements it.
type Index interface {
	ProspectBySource(ctx context.Context, platform model.Platform, sourceID string) (*model.Prospect, error)
	ProspectByLink(ctx context.Context, link string) (*model.Prospect, error)
	SimilarProspects(ctx context.Context, normalizedName string, limit int) ([]model.Prospect, error)
}

// nameReviewThreshold is the minimum combined fuzzy score that flags a
// weak-signal merge candidate.
const nameReviewThreshold = 0.85

// Resolve decides whether a discovered record is a new prospect, a
// duplicate sighting of an existing one, or a weak-signal review case.
// The caller applies the decision (Resolve itself writes nothing).
func Resolve(ctx context.Context, idx Index, rec model.DiscoveredRecord) (*Decision, error) {
	key, err := recordKey(rec)
	if err != nil {
		return nil, err
	}

	// Strongest signal: the exact source was already seen. Records that
	// carry no source identity (URL-only seed rows) skip this lookup;
	// an empty platform+source-id pair is not an identity and must never
	// match another record's empty pair.
	if rec.Platform != "" && rec.SourceID != "" {
		existing, err := idx.ProspectBySource(ctx, rec.Platform, rec.SourceID)
		if err != nil {
			return nil, eris.Wrap(err, "identity: lookup by source")
		}
		if existing != nil {
			return &Decision{Action: ActionMerge, Target: existing, Signal: SignalExact, Similarity: 1, Key: key}, nil
		}
	}

	// Strong signal: a normalized external link already anchors a prospect.
	// The record's own platform URL counts as a link too, so a website
	// listing a known YouTube channel merges with the channel's prospect.
	links := NormalizeLinks(append([]string{rec.URL}, rec.Links...))
	for _, link := range links {
		target, err := idx.ProspectByLink(ctx, link)
		if err != nil {
			return nil, eris.Wrapf(err, "identity: lookup by link %s", link)
		}
		if target != nil {
			return &Decision{Action: ActionMerge, Target: target, Signal: SignalLinkOverlap, Similarity: 1, Key: key}, nil
		}
	}

	// Weak signal: fuzzy name+niche similarity. Flag for review only.
	norm := NormalizeName(rec.DisplayName)
	if norm != "" {
		candidates, err := idx.SimilarProspects(ctx, norm, 25)
		if err != nil {
			return nil, eris.Wrap(err, "identity: similar prospects")
		}
		var best *model.Prospect
		var bestScore float64
		for i := range candidates {
			c := &candidates[i]
			score := NameSimilarity(rec.DisplayName, c.DisplayName)
			// Niche overlap nudges borderline names over the threshold but
			// can never carry a match alone.
			score += 0.1 * TagOverlap(rec.NicheTags, c.NicheTags)
			if score > 1 {
				score = 1
			}
			if score > bestScore {
				best, bestScore = c, score
			}
		}
		if best != nil && bestScore >= nameReviewThreshold {
			zap.L().Debug("identity: weak-signal merge candidate",
				zap.String("name", rec.DisplayName),
				zap.String("candidate", best.ID),
				zap.Float64("score", bestScore),
			)
			return &Decision{Action: ActionReview, Target: best, Signal: SignalNameSimilarity, Similarity: bestScore, Key: key}, nil
		}
	}

	return &Decision{Action: ActionCreate, Key: key}, nil
}

// recordKey picks the identity anchor for a record: the platform+source-id
// pair when both are present, otherwise the canonicalized URL.
func recordKey(rec model.DiscoveredRecord) (string, error) {
	if rec.Platform != "" && rec.SourceID != "" {
		return Key(rec.Platform, rec.SourceID), nil
	}
	if link, ok := NormalizeLink(rec.URL); ok {
		return URLKey(link), nil
	}
	return "", eris.Errorf("identity: record %q has no source identity or usable url", rec.DisplayName)
}

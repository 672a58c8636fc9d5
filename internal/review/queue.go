// Package review pushes weak-signal merge candidates to a Notion database
// for a human decision.
package review

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/pkg/notion"
)

// Store is the persistence surface the queue needs.
type Store interface {
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	ListMergeCandidates(ctx context.Context, limit int) ([]model.MergeCandidate, error)
	MarkMergeCandidatePushed(ctx context.Context, id, pageRef string) error
}

// Queue pushes pending merge candidates to the review database.
type Queue struct {
	store  Store
	client notion.Client
	dbID   string
}

// NewQueue creates a review queue targeting the given Notion database.
func NewQueue(store Store, client notion.Client, dbID string) *Queue {
	return &Queue{store: store, client: client, dbID: dbID}
}

// Push sends up to limit pending candidates to Notion. Page creation
// failures are counted and left in the queue for the next push.
func (q *Queue) Push(ctx context.Context, limit int) (int, error) {
	log := zap.L().With(zap.String("phase", "review_push"))

	candidates, err := q.store.ListMergeCandidates(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "review: list candidates")
	}

	pushed := 0
	for _, mc := range candidates {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}
		item, err := q.buildItem(ctx, mc)
		if err != nil {
			log.Warn("build review item failed", zap.String("candidate", mc.ID), zap.Error(err))
			continue
		}
		page, err := q.client.CreatePage(ctx, notion.BuildReviewPage(q.dbID, *item))
		if err != nil {
			log.Warn("create review page failed", zap.String("candidate", mc.ID), zap.Error(err))
			continue
		}
		if err := q.store.MarkMergeCandidatePushed(ctx, mc.ID, string(page.ID)); err != nil {
			return pushed, eris.Wrap(err, "review: mark pushed")
		}
		pushed++
	}

	log.Info("review push complete", zap.Int("pushed", pushed), zap.Int("pending", len(candidates)-pushed))
	return pushed, nil
}

func (q *Queue) buildItem(ctx context.Context, mc model.MergeCandidate) (*notion.ReviewItem, error) {
	prospect, err := q.store.GetProspect(ctx, mc.ProspectID)
	if err != nil {
		return nil, err
	}
	candidate, err := q.store.GetProspect(ctx, mc.CandidateID)
	if err != nil {
		return nil, err
	}
	if prospect == nil || candidate == nil {
		return nil, eris.Errorf("review: missing prospect for candidate %s", mc.ID)
	}
	return &notion.ReviewItem{
		ProspectID:    prospect.ID,
		ProspectName:  prospect.DisplayName,
		CandidateID:   candidate.ID,
		CandidateName: candidate.DisplayName,
		Signal:        mc.Signal,
		Similarity:    mc.Similarity,
	}, nil
}

// Package orchestrator sequences pipeline stages for prospects. Each
// prospect's stages run strictly serially; distinct prospects run in
// parallel under a bounded worker pool. Every status move is a
// compare-and-set write, so two workers racing the same prospect resolve
// to one winner and one no-op.
package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kliq-group/growth-engine/internal/events"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/resilience"
	"github.com/kliq-group/growth-engine/internal/store"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	ListProspects(ctx context.Context, filter store.ProspectFilter) ([]model.Prospect, error)
	TransitionProspect(ctx context.Context, id string, from, to model.ProspectStatus, failedStage model.Stage) (bool, error)
}

// Executor runs one stage to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error)
	Requeue(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error)
}

// Orchestrator advances prospects through the pipeline.
type Orchestrator struct {
	store   Store
	exec    Executor
	bus     *events.Bus
	workers int
}

// New builds an orchestrator. workers bounds cross-prospect parallelism.
func New(st Store, exec Executor, bus *events.Bus, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{store: st, exec: exec, bus: bus, workers: workers}
}

// RunProspect advances one prospect stage by stage until it reaches
// outreach, fails, or another worker takes over. The stage outcome is
// durable before the status moves; a crash between the two leaves a
// succeeded run that the next attempt picks up without re-executing.
func (o *Orchestrator) RunProspect(ctx context.Context, prospectID string) error {
	for {
		p, err := o.store.GetProspect(ctx, prospectID)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: load prospect %s", prospectID)
		}

		next, ok := o.nextStage(p)
		if !ok {
			return nil
		}

		run, execErr := o.exec.Execute(ctx, p.ID, next)
		if execErr != nil {
			if resilience.IsRaceNoop(execErr) {
				// Another worker holds this stage; not a prospect failure.
				zap.L().Info("stage already in flight elsewhere",
					zap.String("prospect_id", p.ID),
					zap.String("stage", string(next)),
				)
				return nil
			}
			return o.fail(ctx, p, next, execErr)
		}

		applied, err := o.store.TransitionProspect(ctx, p.ID, p.Status, next.StatusAfter(), "")
		if err != nil {
			return eris.Wrapf(err, "orchestrator: advance %s to %s", p.ID, next.StatusAfter())
		}
		if !applied {
			// Another worker moved the prospect first.
			zap.L().Info("prospect advance superseded",
				zap.String("prospect_id", p.ID),
				zap.String("stage", string(next)),
			)
			return nil
		}

		o.publish(events.Event{
			Type:       events.TypeStageCompleted,
			ProspectID: p.ID,
			Message:    "stage " + string(next) + " completed for " + p.DisplayName,
			Details:    map[string]any{"stage": string(next), "attempts": run.Attempts},
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunBatch advances every prospect sitting in a non-terminal pipeline
// status. Per-prospect failures are reported in the error count, not
// fatal to the sweep.
func (o *Orchestrator) RunBatch(ctx context.Context, limit int) (processed, failed int, err error) {
	pending := []model.ProspectStatus{
		model.StatusDiscovered,
		model.StatusScraped,
		model.StatusContentGenerated,
		model.StatusStoreProvisioned,
	}

	var ids []string
	for _, status := range pending {
		prospects, listErr := o.store.ListProspects(ctx, store.ProspectFilter{Status: status, Limit: limit})
		if listErr != nil {
			return 0, 0, eris.Wrapf(listErr, "orchestrator: list %s prospects", status)
		}
		for _, p := range prospects {
			ids = append(ids, p.ID)
		}
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, id := range ids {
		g.Go(func() error {
			if runErr := o.RunProspect(gctx, id); runErr != nil {
				zap.L().Warn("prospect pipeline failed",
					zap.String("prospect_id", id),
					zap.Error(runErr),
				)
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck
	return len(ids), int(failures.Load()), nil
}

// Requeue reopens a failed prospect: a new stage run generation with a
// fresh idempotency token, attempts reset, and the prospect moved back to
// the status it failed out of. The caller runs the pipeline afterwards.
func (o *Orchestrator) Requeue(ctx context.Context, prospectID string) error {
	p, err := o.store.GetProspect(ctx, prospectID)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: load prospect %s", prospectID)
	}
	if p.Status != model.StatusFailed {
		return eris.Errorf("orchestrator: prospect %s is %s, not failed", p.ID, p.Status)
	}
	if p.FailedStage == "" {
		return eris.Errorf("orchestrator: prospect %s has no failed stage recorded", p.ID)
	}

	if _, err := o.exec.Requeue(ctx, p.ID, p.FailedStage); err != nil {
		return eris.Wrapf(err, "orchestrator: requeue stage %s for %s", p.FailedStage, p.ID)
	}

	resume := resumeStatus(p.FailedStage)
	applied, err := o.store.TransitionProspect(ctx, p.ID, model.StatusFailed, resume, "")
	if err != nil {
		return eris.Wrapf(err, "orchestrator: resume %s at %s", p.ID, resume)
	}
	if !applied {
		return eris.Errorf("orchestrator: prospect %s moved while requeueing", p.ID)
	}

	zap.L().Info("prospect requeued",
		zap.String("prospect_id", p.ID),
		zap.String("stage", string(p.FailedStage)),
		zap.String("resumed_at", string(resume)),
	)
	return nil
}

// nextStage returns the stage to dispatch for the prospect's current
// status, or false when the prospect has nothing left to run here.
func (o *Orchestrator) nextStage(p *model.Prospect) (model.Stage, bool) {
	switch p.Status {
	case model.StatusFailed, model.StatusMerged,
		model.StatusOutreachActive, model.StatusClaimed, model.StatusAbandoned:
		return "", false
	}
	current := model.StageFor(p.Status)
	if current == "" {
		return "", false
	}
	next := current.Next()
	if next == "" {
		return "", false
	}
	return next, true
}

// fail parks the prospect in failed with the stage recorded for requeue.
func (o *Orchestrator) fail(ctx context.Context, p *model.Prospect, failedStage model.Stage, cause error) error {
	applied, err := o.store.TransitionProspect(ctx, p.ID, p.Status, model.StatusFailed, failedStage)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: mark %s failed", p.ID)
	}
	if applied {
		o.publish(events.Event{
			Type:       events.TypePipelineFailed,
			ProspectID: p.ID,
			Message:    "pipeline failed at " + string(failedStage) + " for " + p.DisplayName,
			Details:    map[string]any{"stage": string(failedStage), "error": cause.Error()},
		})
	}
	return eris.Wrapf(cause, "orchestrator: stage %s for %s", failedStage, p.ID)
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(context.Background(), ev)
	}
}

// resumeStatus is the status a prospect re-enters when its failed stage
// is requeued: the status that precedes the stage.
func resumeStatus(failedStage model.Stage) model.ProspectStatus {
	for i, s := range model.Stages {
		if s == failedStage && i > 0 {
			return model.Stages[i-1].StatusAfter()
		}
	}
	return model.StatusDiscovered
}

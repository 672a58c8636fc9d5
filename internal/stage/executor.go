// Package stage executes individual pipeline stages with idempotent
// retries. Each logical run carries a deterministic idempotency token
// that stays stable across retries, so a duplicated external side effect
// resolves to the original instead of creating a second one.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/resilience"
)

// Store is the persistence surface the executor needs.
type Store interface {
	GetProspect(ctx context.Context, id string) (*model.Prospect, error)
	SetStageOutput(ctx context.Context, prospectID string, stage model.Stage, outputRef string) error

	CreateStageRun(ctx context.Context, run *model.StageRun) error
	LatestStageRun(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error)
	RecordStageAttempt(ctx context.Context, runID string, attempts int) error
	CompleteStageRun(ctx context.Context, runID string, outcome model.StageOutcome, outputRef, errMsg string) (bool, error)
}

// Runner performs the external work of one stage. The token is stable for
// the life of the run; runners must pass it to any side-effecting call so
// retries collapse server-side.
type Runner interface {
	Stage() model.Stage
	Run(ctx context.Context, p *model.Prospect, token string) (outputRef string, err error)
}

// Executor drives stage runs to a terminal outcome.
type Executor struct {
	store    Store
	runners  map[model.Stage]Runner
	retry    resilience.RetryConfig
	breakers *resilience.ServiceBreakers
}

// NewExecutor builds an executor over the given runners.
func NewExecutor(store Store, runners ...Runner) *Executor {
	m := make(map[model.Stage]Runner, len(runners))
	for _, r := range runners {
		m[r.Stage()] = r
	}
	return &Executor{
		store:    store,
		runners:  m,
		retry:    resilience.DefaultRetryConfig(),
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
}

// WithRetryConfig overrides the retry policy. Used by tests to drop the
// backoff sleeps.
func (e *Executor) WithRetryConfig(cfg resilience.RetryConfig) *Executor {
	e.retry = cfg
	return e
}

// WithBreakerConfig replaces the per-stage circuit breakers.
func (e *Executor) WithBreakerConfig(cfg resilience.CircuitBreakerConfig) *Executor {
	e.breakers = resilience.NewServiceBreakers(cfg)
	return e
}

// tokenNamespace seeds deterministic idempotency tokens.
var tokenNamespace = uuid.MustParse("9e276b14-6a83-5f5e-a2c5-3f4dbb37c901")

// Token derives the idempotency token for (prospect, stage, generation).
func Token(prospectID string, stage model.Stage, generation int) string {
	return uuid.NewSHA1(tokenNamespace, []byte(fmt.Sprintf("%s|%s|%d", prospectID, stage, generation))).String()
}

// Execute runs the given stage for the prospect and returns the finished
// run. A run that already succeeded is returned as-is without re-executing
// the stage. A prior failed run is not retried here; Requeue opens a new
// generation first.
func (e *Executor) Execute(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error) {
	runner, ok := e.runners[stage]
	if !ok {
		return nil, eris.Errorf("stage: no runner registered for %q", stage)
	}

	run, err := e.openRun(ctx, prospectID, stage)
	if err != nil {
		return nil, err
	}
	if run.TerminalSuccess() {
		return run, nil
	}
	if run.Terminal() {
		return run, eris.Errorf("stage: run %s already finished with outcome %q; requeue to retry", run.ID, run.Outcome)
	}

	prospect, err := e.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: load prospect %s", prospectID)
	}

	outputRef, runErr := e.attempt(ctx, runner, run, prospect)
	return e.finish(ctx, run, outputRef, runErr)
}

// Requeue opens a fresh generation for a stage whose last run failed,
// resetting the attempt count and deriving a new token in the same family.
func (e *Executor) Requeue(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error) {
	last, err := e.store.LatestStageRun(ctx, prospectID, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: load latest run for %s/%s", prospectID, stage)
	}
	if last == nil {
		return nil, eris.Errorf("stage: nothing to requeue for %s/%s", prospectID, stage)
	}
	if !last.Terminal() {
		return last, nil
	}
	if last.TerminalSuccess() {
		return nil, eris.Errorf("stage: run %s already succeeded; requeue refused", last.ID)
	}
	return e.newRun(ctx, prospectID, stage, last.Generation+1)
}

func (e *Executor) openRun(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error) {
	last, err := e.store.LatestStageRun(ctx, prospectID, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: load latest run for %s/%s", prospectID, stage)
	}
	if last != nil {
		return last, nil
	}
	return e.newRun(ctx, prospectID, stage, 1)
}

func (e *Executor) newRun(ctx context.Context, prospectID string, stage model.Stage, generation int) (*model.StageRun, error) {
	run := &model.StageRun{
		ID:               uuid.NewString(),
		ProspectID:       prospectID,
		Stage:            stage,
		Generation:       generation,
		IdempotencyToken: Token(prospectID, stage, generation),
		StartedAt:        time.Now().UTC(),
	}
	if err := e.store.CreateStageRun(ctx, run); err != nil {
		return nil, eris.Wrapf(err, "stage: create run for %s/%s gen %d", prospectID, stage, generation)
	}
	return run, nil
}

func (e *Executor) attempt(ctx context.Context, runner Runner, run *model.StageRun, p *model.Prospect) (string, error) {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger(string(run.Stage), "execute")
	breaker := e.breakers.Get(string(run.Stage))

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		run.Attempts++
		if err := e.store.RecordStageAttempt(ctx, run.ID, run.Attempts); err != nil {
			zap.L().Warn("stage: attempt count not recorded",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (string, error) {
			return runner.Run(ctx, p, run.IdempotencyToken)
		})
	})
}

// finish records the terminal outcome. The completion write is sticky: a
// concurrent finisher that got there first wins and this result is dropped.
func (e *Executor) finish(ctx context.Context, run *model.StageRun, outputRef string, runErr error) (*model.StageRun, error) {
	outcome := model.OutcomeSuccess
	errMsg := ""
	switch {
	case runErr == nil:
	case resilience.IsPermanent(runErr):
		outcome = model.OutcomeFailed
		errMsg = runErr.Error()
	default:
		runErr = resilience.NewRetryExhausted(run.Attempts, runErr)
		outcome = model.OutcomeRetryExhausted
		errMsg = runErr.Error()
	}

	applied, err := e.store.CompleteStageRun(ctx, run.ID, outcome, outputRef, errMsg)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: complete run %s", run.ID)
	}
	if !applied {
		zap.L().Warn("stage: completion raced, keeping earlier outcome",
			zap.String("run_id", run.ID),
			zap.String("stage", string(run.Stage)),
		)
		fresh, ferr := e.store.LatestStageRun(ctx, run.ProspectID, run.Stage)
		if ferr == nil && fresh != nil {
			return fresh, nil
		}
		return run, resilience.ErrRaceNoop
	}

	run.Outcome = outcome
	run.OutputRef = outputRef
	run.Error = errMsg
	now := time.Now().UTC()
	run.EndedAt = &now

	if runErr == nil && outputRef != "" {
		if err := e.store.SetStageOutput(ctx, run.ProspectID, run.Stage, outputRef); err != nil {
			return run, eris.Wrapf(err, "stage: record %s output for %s", run.Stage, run.ProspectID)
		}
	}

	zap.L().Info("stage finished",
		zap.String("prospect_id", run.ProspectID),
		zap.String("stage", string(run.Stage)),
		zap.Int("generation", run.Generation),
		zap.Int("attempts", run.Attempts),
		zap.String("outcome", string(outcome)),
	)
	return run, runErr
}

package model

import "time"

// Stage names one unit of pipeline work for a prospect.
type Stage string

const (
	StageDiscover      Stage = "discover"
	StageScrape        Stage = "scrape"
	StageGenerate      Stage = "generate"
	StageProvision     Stage = "provision"
	StageOutreachStart Stage = "outreach_start"
)

// Stages lists all pipeline stages in causal order.
var Stages = []Stage{StageDiscover, StageScrape, StageGenerate, StageProvision, StageOutreachStart}

// Next returns the stage that follows s, or "" if s is the last stage.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// StatusAfter returns the prospect status reached when s completes.
func (s Stage) StatusAfter() ProspectStatus {
	switch s {
	case StageDiscover:
		return StatusDiscovered
	case StageScrape:
		return StatusScraped
	case StageGenerate:
		return StatusContentGenerated
	case StageProvision:
		return StatusStoreProvisioned
	case StageOutreachStart:
		return StatusOutreachActive
	}
	return ""
}

// StageFor returns the stage whose completion produces the given status,
// i.e. the next stage to dispatch is StageFor(status).Next().
func StageFor(status ProspectStatus) Stage {
	for _, s := range Stages {
		if s.StatusAfter() == status {
			return s
		}
	}
	return ""
}

// StageOutcome is the terminal result of a stage run.
type StageOutcome string

const (
	OutcomeSuccess        StageOutcome = "success"
	OutcomeFailed         StageOutcome = "failed"
	OutcomeRetryExhausted StageOutcome = "retry_exhausted"
)

// StageRun is one logical attempt to execute one stage for one prospect.
// The idempotency token is stable across retries inside the attempt so a
// duplicated external side effect resolves to the original. Generation is
// bumped on manual requeue, yielding a new token in the same family.
type StageRun struct {
	ID               string       `json:"id"`
	ProspectID       string       `json:"prospect_id"`
	Stage            Stage        `json:"stage"`
	Generation       int          `json:"generation"`
	Attempts         int          `json:"attempts"`
	IdempotencyToken string       `json:"idempotency_token"`
	Outcome          StageOutcome `json:"outcome,omitempty"`
	OutputRef        string       `json:"output_ref,omitempty"`
	Error            string       `json:"error,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
}

// TerminalSuccess reports whether this run finished successfully.
func (r *StageRun) TerminalSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

// Terminal reports whether the run reached any terminal outcome.
func (r *StageRun) Terminal() bool {
	return r.Outcome != ""
}

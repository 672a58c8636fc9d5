package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/kliq-group/growth-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs single
// node deployments and local development; Postgres is the production
// backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prospects (
	id            TEXT PRIMARY KEY,
	identity_key  TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL DEFAULT 'discovered',
	failed_stage  TEXT NOT NULL DEFAULT '',
	display_name  TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	niche_tags    TEXT,
	links         TEXT,
	profile_ref   TEXT NOT NULL DEFAULT '',
	content_ref   TEXT NOT NULL DEFAULT '',
	store_ref     TEXT NOT NULL DEFAULT '',
	claim_token   TEXT NOT NULL DEFAULT '',
	merged_into   TEXT NOT NULL DEFAULT '',
	discovered_at DATETIME NOT NULL,
	claimed_at    DATETIME,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prospects_status ON prospects(status);
CREATE INDEX IF NOT EXISTS idx_prospects_store_ref ON prospects(store_ref);

CREATE TABLE IF NOT EXISTS source_refs (
	prospect_id   TEXT NOT NULL REFERENCES prospects(id),
	platform      TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	discovered_at DATETIME NOT NULL,
	PRIMARY KEY (platform, source_id)
);
CREATE INDEX IF NOT EXISTS idx_source_refs_prospect ON source_refs(prospect_id);

CREATE TABLE IF NOT EXISTS prospect_links (
	prospect_id TEXT NOT NULL REFERENCES prospects(id),
	link        TEXT NOT NULL,
	PRIMARY KEY (prospect_id, link)
);
CREATE INDEX IF NOT EXISTS idx_prospect_links_link ON prospect_links(link);

CREATE TABLE IF NOT EXISTS stage_runs (
	id                TEXT PRIMARY KEY,
	prospect_id       TEXT NOT NULL REFERENCES prospects(id),
	stage             TEXT NOT NULL,
	generation        INTEGER NOT NULL DEFAULT 0,
	attempts          INTEGER NOT NULL DEFAULT 0,
	idempotency_token TEXT NOT NULL,
	outcome           TEXT NOT NULL DEFAULT '',
	output_ref        TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	ended_at          DATETIME,
	UNIQUE (prospect_id, stage, generation)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id           TEXT PRIMARY KEY,
	prospect_id  TEXT NOT NULL REFERENCES prospects(id),
	store_ref    TEXT NOT NULL UNIQUE,
	state        TEXT NOT NULL,
	next_wake_at DATETIME,
	claimed_at   DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_wake ON campaigns(next_wake_at);

CREATE TABLE IF NOT EXISTS step_sends (
	campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	step        INTEGER NOT NULL,
	sent_at     DATETIME NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'sent',
	updated_at  DATETIME,
	PRIMARY KEY (campaign_id, step)
);

CREATE TABLE IF NOT EXISTS delivery_events (
	id           TEXT PRIMARY KEY,
	campaign_id  TEXT NOT NULL REFERENCES campaigns(id),
	step         INTEGER NOT NULL DEFAULT 0,
	type         TEXT NOT NULL,
	payload_hash TEXT NOT NULL UNIQUE,
	occurred_at  DATETIME NOT NULL,
	recorded_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_candidates (
	id           TEXT PRIMARY KEY,
	prospect_id  TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	signal       TEXT NOT NULL,
	similarity   REAL NOT NULL,
	page_ref     TEXT NOT NULL DEFAULT '',
	pushed_at    DATETIME,
	created_at   DATETIME NOT NULL,
	UNIQUE (prospect_id, candidate_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProspect(ctx context.Context, p *model.Prospect) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.DiscoveredAt.IsZero() {
		p.DiscoveredAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = model.StatusDiscovered
	}

	tags, err := json.Marshal(p.NicheTags)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal niche tags")
	}
	links, err := json.Marshal(p.Links)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal links")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prospects (id, identity_key, status, display_name, email, niche_tags, links, discovered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.IdentityKey, string(p.Status), p.DisplayName, p.Email, string(tags), string(links), p.DiscoveredAt, p.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create prospect %s", p.IdentityKey)
	}

	for _, ref := range p.Sources {
		if err := s.AddSourceRef(ctx, p.ID, ref); err != nil {
			return err
		}
	}
	return s.AddLinks(ctx, p.ID, p.Links)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProspect(row rowScanner) (*model.Prospect, error) {
	var p model.Prospect
	var tags, links sql.NullString
	var claimedAt sql.NullTime
	err := row.Scan(&p.ID, &p.IdentityKey, &p.Status, &p.FailedStage, &p.DisplayName, &p.Email,
		&tags, &links, &p.ProfileRef, &p.ContentRef, &p.StoreRef, &p.ClaimToken, &p.MergedInto,
		&p.DiscoveredAt, &claimedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: scan prospect")
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &p.NicheTags)
	}
	if links.Valid && links.String != "" {
		_ = json.Unmarshal([]byte(links.String), &p.Links)
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		p.ClaimedAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) loadSources(ctx context.Context, p *model.Prospect) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, source_id, url, discovered_at FROM source_refs WHERE prospect_id = ? ORDER BY discovered_at`,
		p.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: list source refs")
	}
	defer rows.Close()
	for rows.Next() {
		var ref model.SourceRef
		if err := rows.Scan(&ref.Platform, &ref.SourceID, &ref.URL, &ref.DiscoveredAt); err != nil {
			return eris.Wrap(err, "sqlite: scan source ref")
		}
		p.Sources = append(p.Sources, ref)
	}
	return rows.Err()
}

func (s *SQLiteStore) getProspectWhere(ctx context.Context, where string, arg any) (*model.Prospect, error) {
	p, err := scanSQLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE `+where, arg))
	if err != nil || p == nil {
		return p, err
	}
	if err := s.loadSources(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	return s.getProspectWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetProspectByKey(ctx context.Context, identityKey string) (*model.Prospect, error) {
	return s.getProspectWhere(ctx, "identity_key = ?", identityKey)
}

func (s *SQLiteStore) GetProspectByStoreRef(ctx context.Context, storeRef string) (*model.Prospect, error) {
	return scanSQLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE store_ref = ?`, storeRef))
}

func (s *SQLiteStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	q := `SELECT ` + prospectColumns + ` FROM prospects WHERE 1=1`
	var args []any
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.FailedStage != "" {
		q += ` AND failed_stage = ?`
		args = append(args, string(filter.FailedStage))
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if filter.Offset > 0 {
		q += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prospects")
	}
	defer rows.Close()
	var out []model.Prospect
	for rows.Next() {
		p, err := scanSQLiteProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TransitionProspect(ctx context.Context, id string, from, to model.ProspectStatus, failedStage model.Stage) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if to == model.StatusClaimed {
		res, err = s.db.ExecContext(ctx,
			`UPDATE prospects SET status = ?, failed_stage = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), string(failedStage), now, now, id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE prospects SET status = ?, failed_stage = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), string(failedStage), now, id, string(from))
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition prospect %s %s->%s", id, from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) AddSourceRef(ctx context.Context, prospectID string, ref model.SourceRef) error {
	if ref.DiscoveredAt.IsZero() {
		ref.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO source_refs (prospect_id, platform, source_id, url, discovered_at) VALUES (?, ?, ?, ?, ?)`,
		prospectID, string(ref.Platform), ref.SourceID, ref.URL, ref.DiscoveredAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add source ref %s/%s", ref.Platform, ref.SourceID)
	}
	return nil
}

func (s *SQLiteStore) AddLinks(ctx context.Context, prospectID string, links []string) error {
	for _, link := range links {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO prospect_links (prospect_id, link) VALUES (?, ?)`,
			prospectID, link,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: add link %s", link)
		}
	}
	return nil
}

func (s *SQLiteStore) SetStageOutput(ctx context.Context, prospectID string, stage model.Stage, outputRef string) error {
	var col string
	switch stage {
	case model.StageScrape:
		col = "profile_ref"
	case model.StageGenerate:
		col = "content_ref"
	case model.StageProvision:
		col = "store_ref"
	default:
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET `+col+` = ?, updated_at = ? WHERE id = ?`,
		outputRef, time.Now().UTC(), prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set %s", col)
	}
	return nil
}

func (s *SQLiteStore) SetClaimToken(ctx context.Context, prospectID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET claim_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), prospectID,
	)
	return eris.Wrap(err, "sqlite: set claim token")
}

func (s *SQLiteStore) SetProspectEmail(ctx context.Context, prospectID, email string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET email = ?, updated_at = ? WHERE id = ?`,
		email, time.Now().UTC(), prospectID,
	)
	return eris.Wrap(err, "sqlite: set email")
}

func (s *SQLiteStore) CreateMergeCandidate(ctx context.Context, mc *model.MergeCandidate) error {
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO merge_candidates (id, prospect_id, candidate_id, signal, similarity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mc.ID, mc.ProspectID, mc.CandidateID, mc.Signal, mc.Similarity, mc.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: create merge candidate")
}

func (s *SQLiteStore) ListMergeCandidates(ctx context.Context, limit int) ([]model.MergeCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prospect_id, candidate_id, signal, similarity, created_at
		 FROM merge_candidates WHERE pushed_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merge candidates")
	}
	defer rows.Close()
	var out []model.MergeCandidate
	for rows.Next() {
		var mc model.MergeCandidate
		if err := rows.Scan(&mc.ID, &mc.ProspectID, &mc.CandidateID, &mc.Signal, &mc.Similarity, &mc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merge candidate")
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkMergeCandidatePushed(ctx context.Context, id, pageRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE merge_candidates SET page_ref = ?, pushed_at = ? WHERE id = ?`,
		pageRef, time.Now().UTC(), id,
	)
	return eris.Wrap(err, "sqlite: mark merge candidate pushed")
}

func (s *SQLiteStore) ProspectBySource(ctx context.Context, platform model.Platform, sourceID string) (*model.Prospect, error) {
	return scanSQLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE id = (SELECT prospect_id FROM source_refs WHERE platform = ? AND source_id = ?)`,
		string(platform), sourceID))
}

func (s *SQLiteStore) ProspectByLink(ctx context.Context, link string) (*model.Prospect, error) {
	return scanSQLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE id = (SELECT prospect_id FROM prospect_links WHERE link = ? LIMIT 1)`,
		link))
}

func (s *SQLiteStore) SimilarProspects(ctx context.Context, normalizedName string, limit int) ([]model.Prospect, error) {
	tokens := strings.Fields(normalizedName)
	if len(tokens) == 0 {
		return nil, nil
	}
	token := tokens[len(tokens)-1]
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE status <> 'merged' AND lower(display_name) LIKE '%' || ? || '%'
		 ORDER BY updated_at DESC LIMIT ?`,
		token, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: similar prospects")
	}
	defer rows.Close()
	var out []model.Prospect
	for rows.Next() {
		p, err := scanSQLiteProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateStageRun(ctx context.Context, run *model.StageRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, prospect_id, stage, generation, attempts, idempotency_token, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProspectID, string(run.Stage), run.Generation, run.Attempts, run.IdempotencyToken, run.StartedAt,
	)
	return eris.Wrapf(err, "sqlite: create stage run %s/%s", run.ProspectID, run.Stage)
}

func (s *SQLiteStore) LatestStageRun(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error) {
	var run model.StageRun
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prospect_id, stage, generation, attempts, idempotency_token, outcome, output_ref, error, started_at, ended_at
		 FROM stage_runs WHERE prospect_id = ? AND stage = ?
		 ORDER BY generation DESC LIMIT 1`,
		prospectID, string(stage),
	).Scan(&run.ID, &run.ProspectID, &run.Stage, &run.Generation, &run.Attempts, &run.IdempotencyToken,
		&run.Outcome, &run.OutputRef, &run.Error, &run.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest stage run")
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}

func (s *SQLiteStore) RecordStageAttempt(ctx context.Context, runID string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET attempts = ? WHERE id = ?`, attempts, runID)
	return eris.Wrap(err, "sqlite: record stage attempt")
}

func (s *SQLiteStore) CompleteStageRun(ctx context.Context, runID string, outcome model.StageOutcome, outputRef, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET outcome = ?, output_ref = ?, error = ?, ended_at = ? WHERE id = ? AND outcome = ''`,
		string(outcome), outputRef, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete stage run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, prospect_id, store_ref, state, next_wake_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProspectID, c.StoreRef, string(c.State), c.NextWakeAt, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: create campaign for store %s", c.StoreRef)
}

func scanSQLiteCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var wake, claimed sql.NullTime
	err := row.Scan(&c.ID, &c.ProspectID, &c.StoreRef, &c.State, &wake, &claimed, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: scan campaign")
	}
	if wake.Valid {
		t := wake.Time
		c.NextWakeAt = &t
	}
	if claimed.Valid {
		t := claimed.Time
		c.ClaimedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) loadSends(ctx context.Context, c *model.Campaign) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, sent_at, message_id, status, updated_at FROM step_sends WHERE campaign_id = ? ORDER BY step`,
		c.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: list step sends")
	}
	defer rows.Close()
	for rows.Next() {
		var sd model.StepSend
		var updated sql.NullTime
		if err := rows.Scan(&sd.Step, &sd.SentAt, &sd.MessageID, &sd.Status, &updated); err != nil {
			return eris.Wrap(err, "sqlite: scan step send")
		}
		if updated.Valid {
			t := updated.Time
			sd.UpdatedAt = &t
		}
		c.Sends = append(c.Sends, sd)
	}
	return rows.Err()
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := scanSQLiteCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err != nil || c == nil {
		return c, err
	}
	if err := s.loadSends(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetCampaignByStoreRef(ctx context.Context, storeRef string) (*model.Campaign, error) {
	c, err := scanSQLiteCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE store_ref = ?`, storeRef))
	if err != nil || c == nil {
		return c, err
	}
	if err := s.loadSends(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE next_wake_at IS NOT NULL AND next_wake_at <= ? AND state NOT IN ('claimed', 'abandoned')
		 ORDER BY next_wake_at LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due campaigns")
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TransitionCampaign(ctx context.Context, id string, from, to model.CampaignState, nextWakeAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET state = ?, next_wake_at = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND state NOT IN ('claimed', 'abandoned')`,
		string(to), nextWakeAt, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition campaign %s %s->%s", id, from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ClaimCampaign(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET state = 'claimed', claimed_at = ?, next_wake_at = NULL, updated_at = ?
		 WHERE id = ? AND state NOT IN ('claimed', 'abandoned')`,
		at, time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim campaign %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordSend(ctx context.Context, campaignID string, send model.StepSend) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO step_sends (campaign_id, step, sent_at, message_id, status) VALUES (?, ?, ?, ?, ?)`,
		campaignID, send.Step, send.SentAt, send.MessageID, send.Status,
	)
	return eris.Wrapf(err, "sqlite: record send step %d", send.Step)
}

func (s *SQLiteStore) UpdateSendStatus(ctx context.Context, campaignID string, step int, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE step_sends SET status = ?, updated_at = ? WHERE campaign_id = ? AND step = ?`,
		status, at, campaignID, step,
	)
	return eris.Wrapf(err, "sqlite: update send status step %d", step)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_events (id, campaign_id, step, type, payload_hash, occurred_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CampaignID, ev.Step, string(ev.Type), ev.PayloadHash, ev.OccurredAt, ev.RecordedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: append delivery event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, campaignID string) ([]model.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, step, type, payload_hash, occurred_at, recorded_at
		 FROM delivery_events WHERE campaign_id = ? ORDER BY recorded_at`,
		campaignID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list delivery events")
	}
	defer rows.Close()
	var out []model.DeliveryEvent
	for rows.Next() {
		var ev model.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &ev.Step, &ev.Type, &ev.PayloadHash, &ev.OccurredAt, &ev.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

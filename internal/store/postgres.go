package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/kliq-group/growth-engine/internal/db"
	"github.com/kliq-group/growth-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prospects (
	id            UUID PRIMARY KEY,
	identity_key  TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL DEFAULT 'discovered',
	failed_stage  TEXT NOT NULL DEFAULT '',
	display_name  TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	niche_tags    JSONB,
	links         JSONB,
	profile_ref   TEXT NOT NULL DEFAULT '',
	content_ref   TEXT NOT NULL DEFAULT '',
	store_ref     TEXT NOT NULL DEFAULT '',
	claim_token   TEXT NOT NULL DEFAULT '',
	merged_into   TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at    TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_prospects_status ON prospects (status);
CREATE INDEX IF NOT EXISTS idx_prospects_store_ref ON prospects (store_ref) WHERE store_ref <> '';

CREATE TABLE IF NOT EXISTS source_refs (
	prospect_id   UUID NOT NULL REFERENCES prospects(id),
	platform      TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (platform, source_id)
);
CREATE INDEX IF NOT EXISTS idx_source_refs_prospect ON source_refs (prospect_id);

CREATE TABLE IF NOT EXISTS prospect_links (
	prospect_id UUID NOT NULL REFERENCES prospects(id),
	link        TEXT NOT NULL,
	PRIMARY KEY (prospect_id, link)
);
CREATE INDEX IF NOT EXISTS idx_prospect_links_link ON prospect_links (link);

CREATE TABLE IF NOT EXISTS stage_runs (
	id                UUID PRIMARY KEY,
	prospect_id       UUID NOT NULL REFERENCES prospects(id),
	stage             TEXT NOT NULL,
	generation        INT NOT NULL DEFAULT 0,
	attempts          INT NOT NULL DEFAULT 0,
	idempotency_token TEXT NOT NULL,
	outcome           TEXT NOT NULL DEFAULT '',
	output_ref        TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at          TIMESTAMPTZ,
	UNIQUE (prospect_id, stage, generation)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id           UUID PRIMARY KEY,
	prospect_id  UUID NOT NULL REFERENCES prospects(id),
	store_ref    TEXT NOT NULL UNIQUE,
	state        TEXT NOT NULL,
	next_wake_at TIMESTAMPTZ,
	claimed_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaigns_wake ON campaigns (next_wake_at) WHERE next_wake_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS step_sends (
	campaign_id UUID NOT NULL REFERENCES campaigns(id),
	step        INT NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'sent',
	updated_at  TIMESTAMPTZ,
	PRIMARY KEY (campaign_id, step)
);

CREATE TABLE IF NOT EXISTS delivery_events (
	id           UUID PRIMARY KEY,
	campaign_id  UUID NOT NULL REFERENCES campaigns(id),
	step         INT NOT NULL DEFAULT 0,
	type         TEXT NOT NULL,
	payload_hash TEXT NOT NULL UNIQUE,
	occurred_at  TIMESTAMPTZ NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS merge_candidates (
	id           UUID PRIMARY KEY,
	prospect_id  UUID NOT NULL,
	candidate_id UUID NOT NULL,
	signal       TEXT NOT NULL,
	similarity   DOUBLE PRECISION NOT NULL,
	page_ref     TEXT NOT NULL DEFAULT '',
	pushed_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (prospect_id, candidate_id)
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateProspect inserts a prospect and its initial source references.
func (s *PostgresStore) CreateProspect(ctx context.Context, p *model.Prospect) error {
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
		return eris.Wrap(err, "postgres: marshal niche tags")
	}
	links, err := json.Marshal(p.Links)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal links")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO prospects (id, identity_key, status, display_name, email, niche_tags, links, discovered_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.IdentityKey, string(p.Status), p.DisplayName, p.Email, tags, links, p.DiscoveredAt, p.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create prospect %s", p.IdentityKey)
	}

	for _, ref := range p.Sources {
		if err := s.AddSourceRef(ctx, p.ID, ref); err != nil {
			return err
		}
	}
	for _, link := range p.Links {
		if err := s.addLink(ctx, p.ID, link); err != nil {
			return err
		}
	}
	return nil
}

const prospectColumns = `id, identity_key, status, failed_stage, display_name, email, niche_tags, links,
	profile_ref, content_ref, store_ref, claim_token, merged_into, discovered_at, claimed_at, updated_at`

func (s *PostgresStore) scanProspect(row pgx.Row) (*model.Prospect, error) {
	var p model.Prospect
	var tags, links []byte
	err := row.Scan(&p.ID, &p.IdentityKey, &p.Status, &p.FailedStage, &p.DisplayName, &p.Email,
		&tags, &links, &p.ProfileRef, &p.ContentRef, &p.StoreRef, &p.ClaimToken, &p.MergedInto,
		&p.DiscoveredAt, &p.ClaimedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: scan prospect")
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &p.NicheTags)
	}
	if len(links) > 0 {
		_ = json.Unmarshal(links, &p.Links)
	}
	return &p, nil
}

func (s *PostgresStore) loadSources(ctx context.Context, p *model.Prospect) error {
	rows, err := s.pool.Query(ctx,
		`SELECT platform, source_id, url, discovered_at FROM source_refs WHERE prospect_id = $1 ORDER BY discovered_at`,
		p.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: list source refs")
	}
	defer rows.Close()
	for rows.Next() {
		var ref model.SourceRef
		if err := rows.Scan(&ref.Platform, &ref.SourceID, &ref.URL, &ref.DiscoveredAt); err != nil {
			return eris.Wrap(err, "postgres: scan source ref")
		}
		p.Sources = append(p.Sources, ref)
	}
	return rows.Err()
}

// GetProspect fetches a prospect with its source references.
func (s *PostgresStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	p, err := s.scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id))
	if err != nil || p == nil {
		return p, err
	}
	if err := s.loadSources(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProspectByKey fetches a prospect by identity key.
func (s *PostgresStore) GetProspectByKey(ctx context.Context, identityKey string) (*model.Prospect, error) {
	p, err := s.scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE identity_key = $1`, identityKey))
	if err != nil || p == nil {
		return p, err
	}
	if err := s.loadSources(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProspectByStoreRef fetches the prospect owning a provisioned store.
func (s *PostgresStore) GetProspectByStoreRef(ctx context.Context, storeRef string) (*model.Prospect, error) {
	return s.scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE store_ref = $1`, storeRef))
}

// ListProspects returns prospects matching the filter, newest first.
func (s *PostgresStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	q := `SELECT ` + prospectColumns + ` FROM prospects WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.FailedStage != "" {
		args = append(args, string(filter.FailedStage))
		q += ` AND failed_stage = $` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY updated_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prospects")
	}
	defer rows.Close()

	var out []model.Prospect
	for rows.Next() {
		p, err := s.scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// TransitionProspect applies a compare-and-set status move. Moves the
// lifecycle ordering forbids are rejected before touching the row.
func (s *PostgresStore) TransitionProspect(ctx context.Context, id string, from, to model.ProspectStatus, failedStage model.Stage) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	claimed := "claimed_at"
	if to == model.StatusClaimed {
		claimed = "now()"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects SET status = $1, failed_stage = $2, claimed_at = `+claimed+`, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		string(to), string(failedStage), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition prospect %s %s->%s", id, from, to)
	}
	return tag.RowsAffected() == 1, nil
}

// AddSourceRef attaches a sighting; replays are no-ops.
func (s *PostgresStore) AddSourceRef(ctx context.Context, prospectID string, ref model.SourceRef) error {
	if ref.DiscoveredAt.IsZero() {
		ref.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_refs (prospect_id, platform, source_id, url, discovered_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (platform, source_id) DO NOTHING`,
		prospectID, string(ref.Platform), ref.SourceID, ref.URL, ref.DiscoveredAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add source ref %s/%s", ref.Platform, ref.SourceID)
	}
	return nil
}

func (s *PostgresStore) addLink(ctx context.Context, prospectID, link string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospect_links (prospect_id, link) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		prospectID, link,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add link %s", link)
	}
	return nil
}

// AddLinks indexes normalized links for dedup lookups; replays are no-ops.
func (s *PostgresStore) AddLinks(ctx context.Context, prospectID string, links []string) error {
	for _, link := range links {
		if err := s.addLink(ctx, prospectID, link); err != nil {
			return err
		}
	}
	return nil
}

// SetStageOutput records the opaque handle a stage produced.
func (s *PostgresStore) SetStageOutput(ctx context.Context, prospectID string, stage model.Stage, outputRef string) error {
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
	_, err := s.pool.Exec(ctx,
		`UPDATE prospects SET `+col+` = $1, updated_at = now() WHERE id = $2`,
		outputRef, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set %s", col)
	}
	return nil
}

// SetClaimToken stores the claim token issued at provisioning.
func (s *PostgresStore) SetClaimToken(ctx context.Context, prospectID, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE prospects SET claim_token = $1, updated_at = now() WHERE id = $2`,
		token, prospectID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: set claim token")
	}
	return nil
}

// SetProspectEmail records an email found during scraping or enrichment.
func (s *PostgresStore) SetProspectEmail(ctx context.Context, prospectID, email string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE prospects SET email = $1, updated_at = now() WHERE id = $2`,
		email, prospectID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: set email")
	}
	return nil
}

// CreateMergeCandidate records a weak-signal match for review; replays of
// the same pair are no-ops.
func (s *PostgresStore) CreateMergeCandidate(ctx context.Context, mc *model.MergeCandidate) error {
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO merge_candidates (id, prospect_id, candidate_id, signal, similarity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (prospect_id, candidate_id) DO NOTHING`,
		mc.ID, mc.ProspectID, mc.CandidateID, mc.Signal, mc.Similarity, mc.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: create merge candidate")
	}
	return nil
}

// ListMergeCandidates returns unpushed merge candidates, oldest first.
func (s *PostgresStore) ListMergeCandidates(ctx context.Context, limit int) ([]model.MergeCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, prospect_id, candidate_id, signal, similarity, created_at
		 FROM merge_candidates WHERE pushed_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merge candidates")
	}
	defer rows.Close()
	var out []model.MergeCandidate
	for rows.Next() {
		var mc model.MergeCandidate
		if err := rows.Scan(&mc.ID, &mc.ProspectID, &mc.CandidateID, &mc.Signal, &mc.Similarity, &mc.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge candidate")
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// MarkMergeCandidatePushed records that a candidate reached the review
// surface.
func (s *PostgresStore) MarkMergeCandidatePushed(ctx context.Context, id, pageRef string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE merge_candidates SET page_ref = $1, pushed_at = now() WHERE id = $2`,
		pageRef, id,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: mark merge candidate pushed")
	}
	return nil
}

// ProspectBySource looks up the prospect carrying a platform+source-id ref.
func (s *PostgresStore) ProspectBySource(ctx context.Context, platform model.Platform, sourceID string) (*model.Prospect, error) {
	return s.scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects p
		 WHERE p.id = (SELECT prospect_id FROM source_refs WHERE platform = $1 AND source_id = $2)`,
		string(platform), sourceID))
}

// ProspectByLink looks up a prospect by normalized external link.
func (s *PostgresStore) ProspectByLink(ctx context.Context, link string) (*model.Prospect, error) {
	return s.scanProspect(s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects p
		 WHERE p.id = (SELECT prospect_id FROM prospect_links WHERE link = $1 LIMIT 1)`,
		link))
}

// SimilarProspects returns fuzzy-match candidates sharing a name token.
// Scoring happens in the identity package; this is only a coarse filter.
func (s *PostgresStore) SimilarProspects(ctx context.Context, normalizedName string, limit int) ([]model.Prospect, error) {
	tokens := strings.Fields(normalizedName)
	if len(tokens) == 0 {
		return nil, nil
	}
	token := tokens[len(tokens)-1]
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE status <> 'merged' AND lower(display_name) LIKE '%' || $1 || '%'
		 ORDER BY updated_at DESC LIMIT $2`,
		token, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: similar prospects")
	}
	defer rows.Close()
	var out []model.Prospect
	for rows.Next() {
		p, err := s.scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreateStageRun inserts a stage run.
func (s *PostgresStore) CreateStageRun(ctx context.Context, run *model.StageRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_runs (id, prospect_id, stage, generation, attempts, idempotency_token, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ProspectID, string(run.Stage), run.Generation, run.Attempts, run.IdempotencyToken, run.StartedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create stage run %s/%s", run.ProspectID, run.Stage)
	}
	return nil
}

// LatestStageRun returns the highest-generation run for a prospect+stage.
func (s *PostgresStore) LatestStageRun(ctx context.Context, prospectID string, stage model.Stage) (*model.StageRun, error) {
	var run model.StageRun
	err := s.pool.QueryRow(ctx,
		`SELECT id, prospect_id, stage, generation, attempts, idempotency_token, outcome, output_ref, error, started_at, ended_at
		 FROM stage_runs WHERE prospect_id = $1 AND stage = $2
		 ORDER BY generation DESC LIMIT 1`,
		prospectID, string(stage),
	).Scan(&run.ID, &run.ProspectID, &run.Stage, &run.Generation, &run.Attempts, &run.IdempotencyToken,
		&run.Outcome, &run.OutputRef, &run.Error, &run.StartedAt, &run.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest stage run")
	}
	return &run, nil
}

// RecordStageAttempt updates the attempt counter mid-run.
func (s *PostgresStore) RecordStageAttempt(ctx context.Context, runID string, attempts int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET attempts = $1 WHERE id = $2`, attempts, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: record stage attempt")
	}
	return nil
}

// CompleteStageRun finalizes a run; terminal outcomes are sticky.
func (s *PostgresStore) CompleteStageRun(ctx context.Context, runID string, outcome model.StageOutcome, outputRef, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET outcome = $1, output_ref = $2, error = $3, ended_at = now()
		 WHERE id = $4 AND outcome = ''`,
		string(outcome), outputRef, errMsg, runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete stage run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateCampaign inserts a campaign. The store_ref uniqueness constraint
// enforces one campaign per store.
func (s *PostgresStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, prospect_id, store_ref, state, next_wake_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.ProspectID, c.StoreRef, string(c.State), c.NextWakeAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create campaign for store %s", c.StoreRef)
	}
	return nil
}

func (s *PostgresStore) scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.ProspectID, &c.StoreRef, &c.State, &c.NextWakeAt, &c.ClaimedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: scan campaign")
	}
	return &c, nil
}

const campaignColumns = `id, prospect_id, store_ref, state, next_wake_at, claimed_at, created_at, updated_at`

func (s *PostgresStore) loadSends(ctx context.Context, c *model.Campaign) error {
	rows, err := s.pool.Query(ctx,
		`SELECT step, sent_at, message_id, status, updated_at FROM step_sends WHERE campaign_id = $1 ORDER BY step`,
		c.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: list step sends")
	}
	defer rows.Close()
	for rows.Next() {
		var sd model.StepSend
		if err := rows.Scan(&sd.Step, &sd.SentAt, &sd.MessageID, &sd.Status, &sd.UpdatedAt); err != nil {
			return eris.Wrap(err, "postgres: scan step send")
		}
		c.Sends = append(c.Sends, sd)
	}
	return rows.Err()
}

// GetCampaign fetches a campaign with its send records.
func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.scanCampaign(s.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil || c == nil {
		return c, err
	}
	if err := s.loadSends(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCampaignByStoreRef fetches the campaign for a provisioned store.
func (s *PostgresStore) GetCampaignByStoreRef(ctx context.Context, storeRef string) (*model.Campaign, error) {
	c, err := s.scanCampaign(s.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE store_ref = $1`, storeRef))
	if err != nil || c == nil {
		return c, err
	}
	if err := s.loadSends(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DueCampaigns returns non-terminal campaigns whose wake time has elapsed.
func (s *PostgresStore) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE next_wake_at IS NOT NULL AND next_wake_at <= $1 AND state NOT IN ('claimed', 'abandoned')
		 ORDER BY next_wake_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due campaigns")
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := s.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TransitionCampaign applies a compare-and-set state move. Terminal states
// are excluded in the predicate so claim can never be overwritten.
func (s *PostgresStore) TransitionCampaign(ctx context.Context, id string, from, to model.CampaignState, nextWakeAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET state = $1, next_wake_at = $2, updated_at = now()
		 WHERE id = $3 AND state = $4 AND state NOT IN ('claimed', 'abandoned')`,
		string(to), nextWakeAt, id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition campaign %s %s->%s", id, from, to)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimCampaign marks the campaign claimed from any non-terminal state.
func (s *PostgresStore) ClaimCampaign(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET state = 'claimed', claimed_at = $1, next_wake_at = NULL, updated_at = now()
		 WHERE id = $2 AND state NOT IN ('claimed', 'abandoned')`,
		at, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim campaign %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSend upserts the send record for a step; replays keep the first
// sent_at and message id.
func (s *PostgresStore) RecordSend(ctx context.Context, campaignID string, send model.StepSend) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_sends (campaign_id, step, sent_at, message_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (campaign_id, step) DO NOTHING`,
		campaignID, send.Step, send.SentAt, send.MessageID, send.Status,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record send step %d", send.Step)
	}
	return nil
}

// UpdateSendStatus records a delivery status change for a sent step.
func (s *PostgresStore) UpdateSendStatus(ctx context.Context, campaignID string, step int, status string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE step_sends SET status = $1, updated_at = $2 WHERE campaign_id = $3 AND step = $4`,
		status, at, campaignID, step,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update send status step %d", step)
	}
	return nil
}

// AppendEvent appends a delivery event, dropping duplicate payload hashes.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_events (id, campaign_id, step, type, payload_hash, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (payload_hash) DO NOTHING`,
		ev.ID, ev.CampaignID, ev.Step, string(ev.Type), ev.PayloadHash, ev.OccurredAt, ev.RecordedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: append delivery event")
	}
	return tag.RowsAffected() == 1, nil
}

// ListEvents returns the campaign's delivery events in record order.
func (s *PostgresStore) ListEvents(ctx context.Context, campaignID string) ([]model.DeliveryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, campaign_id, step, type, payload_hash, occurred_at, recorded_at
		 FROM delivery_events WHERE campaign_id = $1 ORDER BY recorded_at`,
		campaignID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list delivery events")
	}
	defer rows.Close()
	var out []model.DeliveryEvent
	for rows.Next() {
		var ev model.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &ev.Step, &ev.Type, &ev.PayloadHash, &ev.OccurredAt, &ev.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/db"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
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

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_task":            `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`,
	"get_current_verdict": `SELECT ` + verdictColumns + ` FROM verdicts WHERE sku_id = $1 AND key = $2 AND superseded_at IS NULL`,
	"get_cached_extraction": `SELECT content_hash, method, text, confidence, partial, pages, warnings, cached_at, expires_at
		FROM extraction_cache WHERE content_hash = $1 AND expires_at > now()`,
	"audit_head": `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`,
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

	// Statements are prepared lazily after Migrate has created the tables.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT to_regclass('public.audit_events') IS NOT NULL`).Scan(&exists); err != nil || !exists {
			return nil
		}
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS skus (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	attributes         JSONB NOT NULL DEFAULT '{}',
	declared_claims    JSONB NOT NULL DEFAULT '[]',
	reextract_eligible BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	sku_id       TEXT NOT NULL REFERENCES skus(id),
	position     INTEGER NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	cert_type    TEXT NOT NULL DEFAULT '',
	valid_until  TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'pending',
	method       TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	partial      BOOLEAN NOT NULL DEFAULT false,
	warnings     JSONB NOT NULL DEFAULT '[]',
	text         TEXT NOT NULL DEFAULT '',
	extracted_at TIMESTAMPTZ,
	UNIQUE (sku_id, path)
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	content_hash TEXT PRIMARY KEY,
	method       TEXT NOT NULL,
	text         TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	partial      BOOLEAN NOT NULL DEFAULT false,
	pages        INTEGER NOT NULL DEFAULT 0,
	warnings     JSONB NOT NULL DEFAULT '[]',
	cached_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS epochs (
	number     INTEGER PRIMARY KEY,
	actor      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO epochs (number, actor, reason) VALUES (1, 'system', 'initial') ON CONFLICT (number) DO NOTHING;

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	epoch         INTEGER NOT NULL,
	rule_version  TEXT NOT NULL,
	model_version TEXT NOT NULL,
	status        TEXT NOT NULL,
	stats         JSONB NOT NULL DEFAULT '{}',
	failures      JSONB NOT NULL DEFAULT '[]',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	sku_id      TEXT NOT NULL REFERENCES skus(id),
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	source      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	provenance  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, sku_id, key, source)
);

CREATE TABLE IF NOT EXISTS claim_conflicts (
	run_id   TEXT NOT NULL,
	epoch    INTEGER NOT NULL,
	sku_id   TEXT NOT NULL,
	key      TEXT NOT NULL,
	vals     JSONB NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (run_id, sku_id, key)
);

CREATE TABLE IF NOT EXISTS verdicts (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL,
	epoch               INTEGER NOT NULL,
	sku_id              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	kind                TEXT NOT NULL,
	status              TEXT NOT NULL,
	rule_result         TEXT NOT NULL,
	rule_id             TEXT NOT NULL DEFAULT '',
	rule_version        TEXT NOT NULL,
	model_version       TEXT NOT NULL,
	cert_status         TEXT NOT NULL DEFAULT '',
	ml_score            DOUBLE PRECISION NOT NULL,
	combined_confidence DOUBLE PRECISION NOT NULL,
	degraded            BOOLEAN NOT NULL DEFAULT false,
	human_overridden    BOOLEAN NOT NULL DEFAULT false,
	claim_digest        TEXT NOT NULL DEFAULT '',
	evidence            JSONB NOT NULL DEFAULT '[]',
	reason              TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	superseded_at       TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_verdicts_current ON verdicts(sku_id, key) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	epoch       INTEGER NOT NULL,
	sku_id      TEXT NOT NULL,
	key         TEXT NOT NULL,
	verdict_id  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq       BIGINT PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	epoch     INTEGER NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	actor     TEXT NOT NULL,
	action    TEXT NOT NULL,
	sku_id    TEXT NOT NULL DEFAULT '',
	task_id   TEXT NOT NULL DEFAULT '',
	run_id    TEXT NOT NULL DEFAULT '',
	payload   JSONB NOT NULL DEFAULT '{}',
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_sku ON documents(sku_id);
CREATE INDEX IF NOT EXISTS idx_claims_sku_run ON claims(sku_id, run_id);
CREATE INDEX IF NOT EXISTS idx_claims_source_epoch ON claims(source, epoch);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_sku_key ON tasks(sku_id, key);
CREATE INDEX IF NOT EXISTS idx_audit_sku ON audit_events(sku_id);
CREATE INDEX IF NOT EXISTS idx_extraction_cache_expires_at ON extraction_cache(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- SKUs and documents ---

var documentUpsert = db.UpsertConfig{
	Table: "documents",
	Columns: []string{"id", "sku_id", "kind", "path", "content_hash", "cert_type", "valid_until", "status",
		"method", "confidence", "partial", "warnings", "text", "extracted_at", "position"},
	ConflictKeys: []string{"sku_id", "path"},
	UpdateCols: []string{"kind", "content_hash", "cert_type", "valid_until", "status", "method",
		"confidence", "partial", "warnings", "text", "extracted_at", "position"},
}

// UpsertSKU writes the SKU by code and its documents by (sku, path). When the
// code already exists sku.ID must carry the stored id.
func (s *PostgresStore) UpsertSKU(ctx context.Context, sku *model.SKU) error {
	attrs, err := json.Marshal(orEmptyMap(sku.Attributes))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	declared, err := json.Marshal(orEmptySlice(sku.DeclaredClaims))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal declared claims")
	}

	rows := make([][]any, 0, len(sku.Documents))
	for i := range sku.Documents {
		d := &sku.Documents[i]
		d.SKUID = sku.ID
		warnings, err := json.Marshal(orEmptySlice(d.Warnings))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal warnings")
		}
		rows = append(rows, []any{d.ID, d.SKUID, string(d.Kind), d.Path, d.ContentHash, d.CertType, d.ValidUntil,
			string(d.Status), d.Method, d.Confidence, d.Partial, warnings, d.Text, d.ExtractedAt, i})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert sku")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO skus (`+skuColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
		   attributes = EXCLUDED.attributes, declared_claims = EXCLUDED.declared_claims,
		   reextract_eligible = EXCLUDED.reextract_eligible, updated_at = EXCLUDED.updated_at`,
		sku.ID, sku.Code, sku.Name, sku.Description, attrs, declared, sku.ReextractEligible, sku.CreatedAt, sku.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert sku %s", sku.Code)
	}
	if _, err := db.Upsert(ctx, tx, documentUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: upsert documents for %s", sku.Code)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert sku")
}

func (s *PostgresStore) GetSKU(ctx context.Context, id string) (*model.SKU, error) {
	return s.loadSKU(ctx, `SELECT `+skuColumns+` FROM skus WHERE id = $1`, id)
}

func (s *PostgresStore) GetSKUByCode(ctx context.Context, code string) (*model.SKU, error) {
	return s.loadSKU(ctx, `SELECT `+skuColumns+` FROM skus WHERE code = $1`, code)
}

func (s *PostgresStore) loadSKU(ctx context.Context, query, ref string) (*model.SKU, error) {
	sku, err := scanSKUPg(s.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sku %s", ref)
		}
		return nil, eris.Wrapf(err, "postgres: get sku %s", ref)
	}
	docs, err := s.listDocuments(ctx, sku.ID)
	if err != nil {
		return nil, err
	}
	sku.Documents = docs
	return sku, nil
}

func (s *PostgresStore) ListSKUs(ctx context.Context, codes []string) ([]model.SKU, error) {
	query := `SELECT ` + skuColumns + ` FROM skus`
	var args []any
	if len(codes) > 0 {
		query += ` WHERE code = ANY($1)`
		args = append(args, codes)
	}
	query += ` ORDER BY code`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list skus")
	}
	var skus []model.SKU
	for rows.Next() {
		sku, err := scanSKUPg(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan sku")
		}
		skus = append(skus, *sku)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list skus iterate")
	}

	for i := range skus {
		docs, err := s.listDocuments(ctx, skus[i].ID)
		if err != nil {
			return nil, err
		}
		skus[i].Documents = docs
	}
	return skus, nil
}

func (s *PostgresStore) listDocuments(ctx context.Context, skuID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE sku_id = $1 ORDER BY position, path`, skuID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list documents for %s", skuID)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var warnings []byte
		if err := rows.Scan(&d.ID, &d.SKUID, &d.Kind, &d.Path, &d.ContentHash, &d.CertType, &d.ValidUntil,
			&d.Status, &d.Method, &d.Confidence, &d.Partial, &warnings, &d.Text, &d.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		if err := json.Unmarshal(warnings, &d.Warnings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal warnings")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) SetReextractEligible(ctx context.Context, skuID string, eligible bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE skus SET reextract_eligible = $1, updated_at = $2 WHERE id = $3`,
		eligible, time.Now().UTC(), skuID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set reextract eligible %s", skuID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "sku %s", skuID)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentExtraction(ctx context.Context, doc *model.Document) error {
	warnings, err := json.Marshal(orEmptySlice(doc.Warnings))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal warnings")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, method = $2, confidence = $3, partial = $4, warnings = $5, text = $6,
		   extracted_at = $7, cert_type = $8, valid_until = $9
		 WHERE id = $10`,
		string(doc.Status), doc.Method, doc.Confidence, doc.Partial, warnings, doc.Text,
		doc.ExtractedAt, doc.CertType, doc.ValidUntil, doc.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document %s", doc.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %s", doc.ID)
	}
	return nil
}

// --- Extraction cache ---

func (s *PostgresStore) GetCachedExtraction(ctx context.Context, contentHash string) (*model.ExtractionCache, error) {
	var c model.ExtractionCache
	var warnings []byte

	err := s.pool.QueryRow(ctx,
		`SELECT content_hash, method, text, confidence, partial, pages, warnings, cached_at, expires_at
		 FROM extraction_cache WHERE content_hash = $1 AND expires_at > now()`,
		contentHash,
	).Scan(&c.ContentHash, &c.Method, &c.Text, &c.Confidence, &c.Partial, &c.Pages, &warnings, &c.CachedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached extraction")
	}
	if err := json.Unmarshal(warnings, &c.Warnings); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached warnings")
	}
	return &c, nil
}

func (s *PostgresStore) SetCachedExtraction(ctx context.Context, entry *model.ExtractionCache, ttl time.Duration) error {
	now := time.Now().UTC()
	entry.CachedAt = now
	entry.ExpiresAt = now.Add(ttl)

	warnings, err := json.Marshal(orEmptySlice(entry.Warnings))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal warnings")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_cache (content_hash, method, text, confidence, partial, pages, warnings, cached_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (content_hash) DO UPDATE SET method = $2, text = $3, confidence = $4, partial = $5,
		   pages = $6, warnings = $7, cached_at = $8, expires_at = $9`,
		entry.ContentHash, entry.Method, entry.Text, entry.Confidence, entry.Partial, entry.Pages, warnings, entry.CachedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: set cached extraction")
}

func (s *PostgresStore) DeleteExpiredExtractions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired extractions")
	}
	return int(tag.RowsAffected()), nil
}

// --- Pipeline runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun, staleBefore time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize run starts so the in-progress check and insert are atomic.
	if _, err := tx.Exec(ctx, `LOCK TABLE pipeline_runs IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return eris.Wrap(err, "postgres: lock pipeline_runs")
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO pipeline_runs (id, epoch, rule_version, model_version, status, started_at)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE NOT EXISTS (SELECT 1 FROM pipeline_runs WHERE status = $7 AND started_at > $8)`,
		run.ID, run.Epoch, run.RuleVersion, run.ModelVersion, string(run.Status), run.StartedAt,
		string(model.RunStatusRunning), staleBefore.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunInProgress, "run %s", run.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create run")
}

func (s *PostgresStore) CompleteRun(ctx context.Context, run *model.PipelineRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	failures, err := json.Marshal(orEmptySlice(run.Failures))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run failures")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, stats = $2, failures = $3, finished_at = $4 WHERE id = $5`,
		string(run.Status), stats, failures, run.FinishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	r, err := scanRunPg(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRunPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Epochs ---

func (s *PostgresStore) CurrentEpoch(ctx context.Context) (int, error) {
	var n *int
	if err := s.pool.QueryRow(ctx, `SELECT MAX(number) FROM epochs`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: current epoch")
	}
	if n == nil {
		return 1, nil
	}
	return *n, nil
}

func (s *PostgresStore) StartEpoch(ctx context.Context, actor, reason string) (*model.Epoch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin start epoch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize concurrent refreshes on the epochs table.
	if _, err := tx.Exec(ctx, `LOCK TABLE epochs IN EXCLUSIVE MODE`); err != nil {
		return nil, eris.Wrap(err, "postgres: lock epochs")
	}
	var cur *int
	if err := tx.QueryRow(ctx, `SELECT MAX(number) FROM epochs`).Scan(&cur); err != nil {
		return nil, eris.Wrap(err, "postgres: read epoch")
	}
	next := 1
	if cur != nil {
		next = *cur + 1
	}
	now := time.Now().UTC()
	ep := &model.Epoch{Number: next, Actor: actor, Reason: reason, StartedAt: now}

	if _, err := tx.Exec(ctx,
		`INSERT INTO epochs (number, actor, reason, started_at) VALUES ($1, $2, $3, $4)`,
		ep.Number, ep.Actor, ep.Reason, ep.StartedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert epoch")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $1, resolved_at = $2 WHERE status = ANY($3)`,
		string(model.TaskSuperseded), now, []string{string(model.TaskPending), string(model.TaskEvidenceRequested)},
	); err != nil {
		return nil, eris.Wrap(err, "postgres: supersede open tasks")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE verdicts SET superseded_at = $1 WHERE superseded_at IS NULL`, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: supersede verdicts")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit start epoch")
	}
	return ep, nil
}

// --- Claims and conflicts ---

var claimCopyColumns = []string{"id", "run_id", "sku_id", "key", "value", "source", "confidence", "document_id", "provenance", "created_at", "epoch"}

func (s *PostgresStore) InsertClaims(ctx context.Context, epoch int, claims []model.Claim) error {
	rows := make([][]any, len(claims))
	for i, c := range claims {
		rows[i] = []any{c.ID, c.RunID, c.SKUID, c.Key, c.Value, string(c.Source), c.Confidence, c.DocumentID, c.Provenance, c.CreatedAt, epoch}
	}
	_, err := db.CopyFrom(ctx, s.pool, "claims", claimCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert claims")
}

func (s *PostgresStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE true`
	var args []any
	argIdx := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filter.SKUID != "" {
		add(` AND sku_id = $%d`, filter.SKUID)
	}
	if filter.RunID != "" {
		add(` AND run_id = $%d`, filter.RunID)
	}
	if filter.Key != "" {
		add(` AND key = $%d`, filter.Key)
	}
	if filter.Source != "" {
		add(` AND source = $%d`, string(filter.Source))
	}
	if filter.Epoch > 0 {
		add(` AND epoch = $%d`, filter.Epoch)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claims")
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var c model.Claim
		if err := rows.Scan(&c.ID, &c.RunID, &c.SKUID, &c.Key, &c.Value, &c.Source, &c.Confidence, &c.DocumentID, &c.Provenance, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		claims = append(claims, c)
	}
	return claims, eris.Wrap(rows.Err(), "postgres: list claims iterate")
}

func (s *PostgresStore) InsertConflicts(ctx context.Context, epoch int, conflicts []model.ClaimConflict) error {
	for _, c := range conflicts {
		vals, err := json.Marshal(c.Values)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal conflict values")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO claim_conflicts (run_id, epoch, sku_id, key, vals, resolved) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.RunID, epoch, c.SKUID, c.Key, vals, c.Resolved,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert conflict %s", c.Key)
		}
	}
	return nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, skuID, runID string) ([]model.ClaimConflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, sku_id, key, vals, resolved FROM claim_conflicts WHERE sku_id = $1 AND run_id = $2 ORDER BY key`,
		skuID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.ClaimConflict
	for rows.Next() {
		var c model.ClaimConflict
		var vals []byte
		if err := rows.Scan(&c.RunID, &c.SKUID, &c.Key, &vals, &c.Resolved); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		if err := json.Unmarshal(vals, &c.Values); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal conflict values")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, runID, skuID, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claim_conflicts SET resolved = true WHERE run_id = $1 AND sku_id = $2 AND key = $3`,
		runID, skuID, key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve conflict %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "conflict %s", key)
	}
	return nil
}

// --- Verdicts ---

func (s *PostgresStore) ReplaceSKUVerdicts(ctx context.Context, epoch int, skuID string, verdicts []model.Verdict) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace verdicts")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE verdicts SET superseded_at = $1 WHERE sku_id = $2 AND superseded_at IS NULL`,
		time.Now().UTC(), skuID,
	); err != nil {
		return eris.Wrapf(err, "postgres: supersede verdicts for %s", skuID)
	}
	for i := range verdicts {
		if err := insertVerdictPg(ctx, tx, epoch, &verdicts[i]); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace verdicts")
}

func (s *PostgresStore) SaveVerdict(ctx context.Context, epoch int, v *model.Verdict) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save verdict")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE verdicts SET superseded_at = $1 WHERE sku_id = $2 AND key = $3 AND superseded_at IS NULL`,
		time.Now().UTC(), v.SKUID, v.Key,
	); err != nil {
		return eris.Wrapf(err, "postgres: supersede verdict %s", v.Key)
	}
	if err := insertVerdictPg(ctx, tx, epoch, v); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save verdict")
}

func insertVerdictPg(ctx context.Context, tx pgx.Tx, epoch int, v *model.Verdict) error {
	evidence, err := json.Marshal(orEmptySlice(v.Evidence))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO verdicts (`+verdictColumns+`, epoch)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		v.ID, v.RunID, v.SKUID, v.Key, string(v.Kind), string(v.Status), string(v.RuleResult), v.RuleID,
		v.RuleVersion, v.ModelVersion, string(v.CertStatus), v.MLScore, v.CombinedConfidence, v.Degraded,
		v.HumanOverridden, v.ClaimDigest, evidence, v.Reason, v.CreatedAt, epoch,
	)
	return eris.Wrapf(err, "postgres: insert verdict %s/%s", v.SKUID, v.Key)
}

func (s *PostgresStore) GetVerdict(ctx context.Context, id string) (*model.Verdict, error) {
	v, err := scanVerdictPg(s.pool.QueryRow(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "verdict %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get verdict %s", id)
	}
	return v, nil
}

func (s *PostgresStore) GetCurrentVerdict(ctx context.Context, skuID, key string) (*model.Verdict, error) {
	v, err := scanVerdictPg(s.pool.QueryRow(ctx,
		`SELECT `+verdictColumns+` FROM verdicts WHERE sku_id = $1 AND key = $2 AND superseded_at IS NULL`,
		skuID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "current verdict %s/%s", skuID, key)
		}
		return nil, eris.Wrap(err, "postgres: get current verdict")
	}
	return v, nil
}

func (s *PostgresStore) ListCurrentVerdicts(ctx context.Context, skuID string) ([]model.Verdict, error) {
	query := `SELECT ` + verdictColumns + ` FROM verdicts WHERE superseded_at IS NULL`
	var args []any
	if skuID != "" {
		query += ` AND sku_id = $1`
		args = append(args, skuID)
	}
	query += ` ORDER BY sku_id, key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list verdicts")
	}
	defer rows.Close()

	var out []model.Verdict
	for rows.Next() {
		v, err := scanVerdictPg(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan verdict")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list verdicts iterate")
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, epoch int, t *model.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`, epoch) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.SKUID, t.Key, t.VerdictID, string(t.Reason), string(t.Status), t.Note, t.CreatedAt, t.ResolvedAt, epoch,
	)
	return eris.Wrapf(err, "postgres: insert task %s", t.ID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *model.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET verdict_id = $1, reason = $2, status = $3, note = $4, resolved_at = $5
		 WHERE id = $6 AND status = ANY($7)`,
		t.VerdictID, string(t.Reason), string(t.Status), t.Note, t.ResolvedAt, t.ID,
		[]string{string(model.TaskPending), string(model.TaskEvidenceRequested)},
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", t.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, t.ID); err != nil {
		return err
	}
	return eris.Wrapf(ErrTaskClosed, "task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.SKUID, &t.Key, &t.VerdictID, &t.Reason, &t.Status, &t.Note, &t.CreatedAt, &t.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "task %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE true`
	var args []any
	argIdx := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filter.SKUID != "" {
		add(` AND sku_id = $%d`, filter.SKUID)
	}
	if filter.Key != "" {
		add(` AND key = $%d`, filter.Key)
	}
	if filter.Reason != "" {
		add(` AND reason = $%d`, string(filter.Reason))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add(` AND status = ANY($%d)`, statuses)
	}
	if filter.Epoch > 0 {
		add(` AND epoch = $%d`, filter.Epoch)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		add(` LIMIT $%d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.SKUID, &t.Key, &t.VerdictID, &t.Reason, &t.Status, &t.Note, &t.CreatedAt, &t.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, ev *model.AuditEvent, seal SealFunc) error {
	payload, err := json.Marshal(orEmptyPayload(ev.Payload))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit payload")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append audit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// One writer extends the chain at a time.
	if _, err := tx.Exec(ctx, `LOCK TABLE audit_events IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return eris.Wrap(err, "postgres: lock audit")
	}
	var lastSeq int64
	var lastHash string
	err = tx.QueryRow(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(err, "postgres: read audit head")
	}
	ev.Seq = lastSeq + 1
	ev.PrevHash = lastHash
	ev.Hash = seal(ev)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.Seq, ev.ID, ev.Epoch, ev.Timestamp, ev.Actor, string(ev.Action), ev.SKUID, ev.TaskID, ev.RunID,
		payload, ev.PrevHash, ev.Hash,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert audit event %s", ev.Action)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit audit event")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE true`
	var args []any
	argIdx := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filter.SKUID != "" {
		add(` AND sku_id = $%d`, filter.SKUID)
	}
	if filter.TaskID != "" {
		add(` AND task_id = $%d`, filter.TaskID)
	}
	if filter.Epoch > 0 {
		add(` AND epoch = $%d`, filter.Epoch)
	}
	if filter.Limit > 0 {
		query += ` ORDER BY seq DESC`
		add(` LIMIT $%d`, filter.Limit)
		query = `SELECT * FROM (` + query + `) newest ORDER BY seq`
	} else {
		query += ` ORDER BY seq`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Epoch, &ev.Timestamp, &ev.Actor, &ev.Action, &ev.SKUID,
			&ev.TaskID, &ev.RunID, &payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal audit payload")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// pg scan helpers

func scanSKUPg(row pgx.Row) (*model.SKU, error) {
	var sku model.SKU
	var attrs, declared []byte
	if err := row.Scan(&sku.ID, &sku.Code, &sku.Name, &sku.Description, &attrs, &declared,
		&sku.ReextractEligible, &sku.CreatedAt, &sku.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &sku.Attributes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attributes")
	}
	if err := json.Unmarshal(declared, &sku.DeclaredClaims); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal declared claims")
	}
	return &sku, nil
}

func scanRunPg(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var stats, failures []byte
	if err := row.Scan(&r.ID, &r.Epoch, &r.RuleVersion, &r.ModelVersion, &r.Status, &stats, &failures, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stats, &r.Stats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run stats")
	}
	if err := json.Unmarshal(failures, &r.Failures); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run failures")
	}
	return &r, nil
}

func scanVerdictPg(row pgx.Row) (*model.Verdict, error) {
	var v model.Verdict
	var evidence []byte
	if err := row.Scan(&v.ID, &v.RunID, &v.SKUID, &v.Key, &v.Kind, &v.Status, &v.RuleResult, &v.RuleID,
		&v.RuleVersion, &v.ModelVersion, &v.CertStatus, &v.MLScore, &v.CombinedConfidence, &v.Degraded,
		&v.HumanOverridden, &v.ClaimDigest, &evidence, &v.Reason, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &v.Evidence); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal evidence")
	}
	return &v, nil
}

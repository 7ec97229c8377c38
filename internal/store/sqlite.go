package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied through the DSN so every pooled connection
// gets them, not just the first.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=" + strings.Join(sqlitePragmas, "&_pragma=")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS skus (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	attributes         TEXT NOT NULL DEFAULT '{}',
	declared_claims    TEXT NOT NULL DEFAULT '[]',
	reextract_eligible INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	sku_id       TEXT NOT NULL REFERENCES skus(id),
	position     INTEGER NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	cert_type    TEXT NOT NULL DEFAULT '',
	valid_until  DATETIME,
	status       TEXT NOT NULL DEFAULT 'pending',
	method       TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	partial      INTEGER NOT NULL DEFAULT 0,
	warnings     TEXT NOT NULL DEFAULT '[]',
	text         TEXT NOT NULL DEFAULT '',
	extracted_at DATETIME,
	UNIQUE (sku_id, path)
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	content_hash TEXT PRIMARY KEY,
	method       TEXT NOT NULL,
	text         TEXT NOT NULL,
	confidence   REAL NOT NULL,
	partial      INTEGER NOT NULL DEFAULT 0,
	pages        INTEGER NOT NULL DEFAULT 0,
	warnings     TEXT NOT NULL DEFAULT '[]',
	cached_at    DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS epochs (
	number     INTEGER PRIMARY KEY,
	actor      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	started_at DATETIME NOT NULL
);

INSERT OR IGNORE INTO epochs (number, actor, reason, started_at) VALUES (1, 'system', 'initial', datetime('now'));

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	epoch         INTEGER NOT NULL,
	rule_version  TEXT NOT NULL,
	model_version TEXT NOT NULL,
	status        TEXT NOT NULL,
	stats         TEXT NOT NULL DEFAULT '{}',
	failures      TEXT NOT NULL DEFAULT '[]',
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	epoch       INTEGER NOT NULL,
	sku_id      TEXT NOT NULL REFERENCES skus(id),
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	source      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	provenance  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	UNIQUE (run_id, sku_id, key, source)
);

CREATE TABLE IF NOT EXISTS claim_conflicts (
	run_id   TEXT NOT NULL,
	epoch    INTEGER NOT NULL,
	sku_id   TEXT NOT NULL,
	key      TEXT NOT NULL,
	vals     TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
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
	ml_score            REAL NOT NULL,
	combined_confidence REAL NOT NULL,
	degraded            INTEGER NOT NULL DEFAULT 0,
	human_overridden    INTEGER NOT NULL DEFAULT 0,
	claim_digest        TEXT NOT NULL DEFAULT '',
	evidence            TEXT NOT NULL DEFAULT '[]',
	reason              TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL,
	superseded_at       DATETIME
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
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq       INTEGER PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	epoch     INTEGER NOT NULL,
	ts        DATETIME NOT NULL,
	actor     TEXT NOT NULL,
	action    TEXT NOT NULL,
	sku_id    TEXT NOT NULL DEFAULT '',
	task_id   TEXT NOT NULL DEFAULT '',
	run_id    TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL DEFAULT '{}',
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- SKUs and documents ---

const skuColumns = `id, code, name, description, attributes, declared_claims, reextract_eligible, created_at, updated_at`

const documentColumns = `id, sku_id, kind, path, content_hash, cert_type, valid_until, status, method, confidence, partial, warnings, text, extracted_at`

// UpsertSKU writes the SKU by code and its documents by (sku, path). When the
// code already exists sku.ID must carry the stored id.
func (s *SQLiteStore) UpsertSKU(ctx context.Context, sku *model.SKU) error {
	attrs, err := marshalString(orEmptyMap(sku.Attributes))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	declared, err := marshalString(orEmptySlice(sku.DeclaredClaims))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal declared claims")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert sku")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO skus (`+skuColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET name = excluded.name, description = excluded.description,
		   attributes = excluded.attributes, declared_claims = excluded.declared_claims,
		   reextract_eligible = excluded.reextract_eligible, updated_at = excluded.updated_at`,
		sku.ID, sku.Code, sku.Name, sku.Description, attrs, declared, sku.ReextractEligible, sku.CreatedAt, sku.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert sku %s", sku.Code)
	}

	for i := range sku.Documents {
		d := &sku.Documents[i]
		d.SKUID = sku.ID
		warnings, err := marshalString(orEmptySlice(d.Warnings))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal warnings")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (`+documentColumns+`, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (sku_id, path) DO UPDATE SET kind = excluded.kind, content_hash = excluded.content_hash,
			   cert_type = excluded.cert_type, valid_until = excluded.valid_until, status = excluded.status,
			   method = excluded.method, confidence = excluded.confidence, partial = excluded.partial,
			   warnings = excluded.warnings, text = excluded.text, extracted_at = excluded.extracted_at,
			   position = excluded.position`,
			d.ID, d.SKUID, string(d.Kind), d.Path, d.ContentHash, d.CertType, nullTime(d.ValidUntil),
			string(d.Status), d.Method, d.Confidence, d.Partial, warnings, d.Text, nullTime(d.ExtractedAt), i,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert document %s", d.Path)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert sku")
}

func (s *SQLiteStore) GetSKU(ctx context.Context, id string) (*model.SKU, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skuColumns+` FROM skus WHERE id = ?`, id)
	return s.loadSKU(ctx, row, id)
}

func (s *SQLiteStore) GetSKUByCode(ctx context.Context, code string) (*model.SKU, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skuColumns+` FROM skus WHERE code = ?`, code)
	return s.loadSKU(ctx, row, code)
}

func (s *SQLiteStore) loadSKU(ctx context.Context, row scannable, ref string) (*model.SKU, error) {
	sku, err := scanSKU(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sku %s", ref)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan sku")
	}
	docs, err := s.listDocuments(ctx, sku.ID)
	if err != nil {
		return nil, err
	}
	sku.Documents = docs
	return sku, nil
}

func (s *SQLiteStore) ListSKUs(ctx context.Context, codes []string) ([]model.SKU, error) {
	query := `SELECT ` + skuColumns + ` FROM skus`
	var args []any
	if len(codes) > 0 {
		query += ` WHERE code IN (` + placeholders(len(codes)) + `)`
		for _, c := range codes {
			args = append(args, c)
		}
	}
	query += ` ORDER BY code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list skus")
	}
	var skus []model.SKU
	for rows.Next() {
		sku, err := scanSKU(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan sku")
		}
		skus = append(skus, *sku)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list skus iterate")
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

func (s *SQLiteStore) listDocuments(ctx context.Context, skuID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE sku_id = ? ORDER BY position, path`, skuID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list documents for %s", skuID)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) SetReextractEligible(ctx context.Context, skuID string, eligible bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skus SET reextract_eligible = ?, updated_at = ? WHERE id = ?`,
		eligible, time.Now().UTC(), skuID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set reextract eligible %s", skuID)
	}
	return checkRowsAffected(res, "sku", skuID)
}

func (s *SQLiteStore) UpdateDocumentExtraction(ctx context.Context, doc *model.Document) error {
	warnings, err := marshalString(orEmptySlice(doc.Warnings))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal warnings")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, method = ?, confidence = ?, partial = ?, warnings = ?, text = ?,
		   extracted_at = ?, cert_type = ?, valid_until = ?
		 WHERE id = ?`,
		string(doc.Status), doc.Method, doc.Confidence, doc.Partial, warnings, doc.Text,
		nullTime(doc.ExtractedAt), doc.CertType, nullTime(doc.ValidUntil), doc.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document %s", doc.ID)
	}
	return checkRowsAffected(res, "document", doc.ID)
}

// --- Extraction cache ---

func (s *SQLiteStore) GetCachedExtraction(ctx context.Context, contentHash string) (*model.ExtractionCache, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, method, text, confidence, partial, pages, warnings, cached_at, expires_at
		 FROM extraction_cache WHERE content_hash = ? AND expires_at > ?`,
		contentHash, time.Now().UTC(),
	)

	var c model.ExtractionCache
	var warnings string
	err := row.Scan(&c.ContentHash, &c.Method, &c.Text, &c.Confidence, &c.Partial, &c.Pages, &warnings, &c.CachedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached extraction")
	}
	if err := json.Unmarshal([]byte(warnings), &c.Warnings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached warnings")
	}
	return &c, nil
}

func (s *SQLiteStore) SetCachedExtraction(ctx context.Context, entry *model.ExtractionCache, ttl time.Duration) error {
	now := time.Now().UTC()
	entry.CachedAt = now
	entry.ExpiresAt = now.Add(ttl)

	warnings, err := marshalString(orEmptySlice(entry.Warnings))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal warnings")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_cache (content_hash, method, text, confidence, partial, pages, warnings, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO UPDATE SET method = excluded.method, text = excluded.text,
		   confidence = excluded.confidence, partial = excluded.partial, pages = excluded.pages,
		   warnings = excluded.warnings, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		entry.ContentHash, entry.Method, entry.Text, entry.Confidence, entry.Partial, entry.Pages, warnings, entry.CachedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: set cached extraction")
}

func (s *SQLiteStore) DeleteExpiredExtractions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired extractions")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Pipeline runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, epoch, rule_version, model_version, status, started_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM pipeline_runs WHERE status = ? AND started_at > ?)`,
		run.ID, run.Epoch, run.RuleVersion, run.ModelVersion, string(run.Status), run.StartedAt,
		string(model.RunStatusRunning), staleBefore.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunInProgress, "run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, run *model.PipelineRun) error {
	stats, err := marshalString(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	failures, err := marshalString(orEmptySlice(run.Failures))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run failures")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, stats = ?, failures = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), stats, failures, nullTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

const runColumns = `id, epoch, rule_version, model_version, status, stats, failures, started_at, finished_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Epochs ---

func (s *SQLiteStore) CurrentEpoch(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM epochs`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: current epoch")
	}
	if !n.Valid {
		return 1, nil
	}
	return int(n.Int64), nil
}

func (s *SQLiteStore) StartEpoch(ctx context.Context, actor, reason string) (*model.Epoch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin start epoch")
	}
	defer tx.Rollback() //nolint:errcheck

	var cur sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM epochs`).Scan(&cur); err != nil {
		return nil, eris.Wrap(err, "sqlite: read epoch")
	}
	now := time.Now().UTC()
	ep := &model.Epoch{Number: int(cur.Int64) + 1, Actor: actor, Reason: reason, StartedAt: now}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO epochs (number, actor, reason, started_at) VALUES (?, ?, ?, ?)`,
		ep.Number, ep.Actor, ep.Reason, ep.StartedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert epoch")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, resolved_at = ? WHERE status IN (?, ?)`,
		string(model.TaskSuperseded), now, string(model.TaskPending), string(model.TaskEvidenceRequested),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: supersede open tasks")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE verdicts SET superseded_at = ? WHERE superseded_at IS NULL`, now,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: supersede verdicts")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit start epoch")
	}
	return ep, nil
}

// --- Claims and conflicts ---

const claimColumns = `id, run_id, sku_id, key, value, source, confidence, document_id, provenance, created_at`

func (s *SQLiteStore) InsertClaims(ctx context.Context, epoch int, claims []model.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert claims")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO claims (`+claimColumns+`, epoch) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert claim")
	}
	defer stmt.Close()

	for _, c := range claims {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.RunID, c.SKUID, c.Key, c.Value, string(c.Source), c.Confidence, c.DocumentID, c.Provenance, c.CreatedAt, epoch,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert claim %s/%s", c.Key, c.Source)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit claims")
}

func (s *SQLiteStore) ListClaims(ctx context.Context, filter ClaimFilter) ([]model.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE 1=1`
	var args []any
	if filter.SKUID != "" {
		query += ` AND sku_id = ?`
		args = append(args, filter.SKUID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Key != "" {
		query += ` AND key = ?`
		args = append(args, filter.Key)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	if filter.Epoch > 0 {
		query += ` AND epoch = ?`
		args = append(args, filter.Epoch)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list claims")
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var c model.Claim
		if err := rows.Scan(&c.ID, &c.RunID, &c.SKUID, &c.Key, &c.Value, &c.Source, &c.Confidence, &c.DocumentID, &c.Provenance, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		claims = append(claims, c)
	}
	return claims, eris.Wrap(rows.Err(), "sqlite: list claims iterate")
}

func (s *SQLiteStore) InsertConflicts(ctx context.Context, epoch int, conflicts []model.ClaimConflict) error {
	for _, c := range conflicts {
		vals, err := marshalString(c.Values)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal conflict values")
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO claim_conflicts (run_id, epoch, sku_id, key, vals, resolved) VALUES (?, ?, ?, ?, ?, ?)`,
			c.RunID, epoch, c.SKUID, c.Key, vals, c.Resolved,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict %s", c.Key)
		}
	}
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, skuID, runID string) ([]model.ClaimConflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sku_id, key, vals, resolved FROM claim_conflicts WHERE sku_id = ? AND run_id = ? ORDER BY key`,
		skuID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.ClaimConflict
	for rows.Next() {
		var c model.ClaimConflict
		var vals string
		if err := rows.Scan(&c.RunID, &c.SKUID, &c.Key, &vals, &c.Resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		if err := json.Unmarshal([]byte(vals), &c.Values); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal conflict values")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, runID, skuID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claim_conflicts SET resolved = 1 WHERE run_id = ? AND sku_id = ? AND key = ?`,
		runID, skuID, key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve conflict %s", key)
	}
	return checkRowsAffected(res, "conflict", key)
}

// --- Verdicts ---

const verdictColumns = `id, run_id, sku_id, key, kind, status, rule_result, rule_id, rule_version, model_version, cert_status,
	ml_score, combined_confidence, degraded, human_overridden, claim_digest, evidence, reason, created_at`

func (s *SQLiteStore) ReplaceSKUVerdicts(ctx context.Context, epoch int, skuID string, verdicts []model.Verdict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace verdicts")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE verdicts SET superseded_at = ? WHERE sku_id = ? AND superseded_at IS NULL`, now, skuID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: supersede verdicts for %s", skuID)
	}
	for i := range verdicts {
		if err := insertVerdictSQLite(ctx, tx, epoch, &verdicts[i]); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace verdicts")
}

func (s *SQLiteStore) SaveVerdict(ctx context.Context, epoch int, v *model.Verdict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save verdict")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE verdicts SET superseded_at = ? WHERE sku_id = ? AND key = ? AND superseded_at IS NULL`,
		time.Now().UTC(), v.SKUID, v.Key,
	); err != nil {
		return eris.Wrapf(err, "sqlite: supersede verdict %s", v.Key)
	}
	if err := insertVerdictSQLite(ctx, tx, epoch, v); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save verdict")
}

func insertVerdictSQLite(ctx context.Context, tx *sql.Tx, epoch int, v *model.Verdict) error {
	evidence, err := marshalString(orEmptySlice(v.Evidence))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO verdicts (`+verdictColumns+`, epoch) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RunID, v.SKUID, v.Key, string(v.Kind), string(v.Status), string(v.RuleResult), v.RuleID,
		v.RuleVersion, v.ModelVersion, string(v.CertStatus), v.MLScore, v.CombinedConfidence, v.Degraded,
		v.HumanOverridden, v.ClaimDigest, evidence, v.Reason, v.CreatedAt, epoch,
	)
	return eris.Wrapf(err, "sqlite: insert verdict %s/%s", v.SKUID, v.Key)
}

func (s *SQLiteStore) GetVerdict(ctx context.Context, id string) (*model.Verdict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE id = ?`, id)
	v, err := scanVerdict(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "verdict %s", id)
	}
	return v, err
}

func (s *SQLiteStore) GetCurrentVerdict(ctx context.Context, skuID, key string) (*model.Verdict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+verdictColumns+` FROM verdicts WHERE sku_id = ? AND key = ? AND superseded_at IS NULL`,
		skuID, key,
	)
	v, err := scanVerdict(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "current verdict %s/%s", skuID, key)
	}
	return v, err
}

func (s *SQLiteStore) ListCurrentVerdicts(ctx context.Context, skuID string) ([]model.Verdict, error) {
	query := `SELECT ` + verdictColumns + ` FROM verdicts WHERE superseded_at IS NULL`
	var args []any
	if skuID != "" {
		query += ` AND sku_id = ?`
		args = append(args, skuID)
	}
	query += ` ORDER BY sku_id, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list verdicts")
	}
	defer rows.Close()

	var out []model.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list verdicts iterate")
}

// --- Tasks ---

const taskColumns = `id, sku_id, key, verdict_id, reason, status, note, created_at, resolved_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, epoch int, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`, epoch) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SKUID, t.Key, t.VerdictID, string(t.Reason), string(t.Status), t.Note, t.CreatedAt, nullTime(t.ResolvedAt), epoch,
	)
	return eris.Wrapf(err, "sqlite: insert task %s", t.ID)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET verdict_id = ?, reason = ?, status = ?, note = ?, resolved_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		t.VerdictID, string(t.Reason), string(t.Status), t.Note, nullTime(t.ResolvedAt), t.ID,
		string(model.TaskPending), string(model.TaskEvidenceRequested),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, t.ID); err != nil {
		return err
	}
	return eris.Wrapf(ErrTaskClosed, "task %s", t.ID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "task %s", id)
	}
	return t, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.SKUID != "" {
		query += ` AND sku_id = ?`
		args = append(args, filter.SKUID)
	}
	if filter.Key != "" {
		query += ` AND key = ?`
		args = append(args, filter.Key)
	}
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(filter.Reason))
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Epoch > 0 {
		query += ` AND epoch = ?`
		args = append(args, filter.Epoch)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

// --- Audit ---

const auditColumns = `seq, id, epoch, ts, actor, action, sku_id, task_id, run_id, payload, prev_hash, hash`

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *model.AuditEvent, seal SealFunc) error {
	payload, err := marshalString(orEmptyPayload(ev.Payload))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit payload")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append audit")
	}
	defer tx.Rollback() //nolint:errcheck

	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return eris.Wrap(err, "sqlite: read audit head")
	}
	ev.Seq = lastSeq.Int64 + 1
	ev.PrevHash = lastHash.String
	ev.Hash = seal(ev)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.ID, ev.Epoch, ev.Timestamp, ev.Actor, string(ev.Action), ev.SKUID, ev.TaskID, ev.RunID,
		payload, ev.PrevHash, ev.Hash,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert audit event %s", ev.Action)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit event")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`
	var args []any
	if filter.SKUID != "" {
		query += ` AND sku_id = ?`
		args = append(args, filter.SKUID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Epoch > 0 {
		query += ` AND epoch = ?`
		args = append(args, filter.Epoch)
	}
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY seq`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Epoch, &ev.Timestamp, &ev.Actor, &ev.Action, &ev.SKUID,
			&ev.TaskID, &ev.RunID, &payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal audit payload")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSKU(row scannable) (*model.SKU, error) {
	var sku model.SKU
	var attrs, declared string
	if err := row.Scan(&sku.ID, &sku.Code, &sku.Name, &sku.Description, &attrs, &declared,
		&sku.ReextractEligible, &sku.CreatedAt, &sku.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &sku.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
	}
	if err := json.Unmarshal([]byte(declared), &sku.DeclaredClaims); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal declared claims")
	}
	return &sku, nil
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var warnings string
	var validUntil, extractedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.SKUID, &d.Kind, &d.Path, &d.ContentHash, &d.CertType, &validUntil,
		&d.Status, &d.Method, &d.Confidence, &d.Partial, &warnings, &d.Text, &extractedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}
	if err := json.Unmarshal([]byte(warnings), &d.Warnings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
	}
	d.ValidUntil = timePtr(validUntil)
	d.ExtractedAt = timePtr(extractedAt)
	return &d, nil
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var stats, failures string
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.Epoch, &r.RuleVersion, &r.ModelVersion, &r.Status, &stats, &failures, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
	}
	if err := json.Unmarshal([]byte(failures), &r.Failures); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run failures")
	}
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func scanVerdict(row scannable) (*model.Verdict, error) {
	var v model.Verdict
	var evidence string
	err := row.Scan(&v.ID, &v.RunID, &v.SKUID, &v.Key, &v.Kind, &v.Status, &v.RuleResult, &v.RuleID,
		&v.RuleVersion, &v.ModelVersion, &v.CertStatus, &v.MLScore, &v.CombinedConfidence, &v.Degraded,
		&v.HumanOverridden, &v.ClaimDigest, &evidence, &v.Reason, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan verdict")
	}
	if err := json.Unmarshal([]byte(evidence), &v.Evidence); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal evidence")
	}
	return &v, nil
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var resolved sql.NullTime
	err := row.Scan(&t.ID, &t.SKUID, &t.Key, &t.VerdictID, &t.Reason, &t.Status, &t.Note, &t.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}
	t.ResolvedAt = timePtr(resolved)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyPayload(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Pragmas ride on the DSN so every pooled connection gets them.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{
		sqlStore: &sqlStore{c: sqliteConn{db: db}, name: "sqlite"},
		db:       db,
	}, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_time_format=sqlite",
	}, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS windows (
	id         TEXT PRIMARY KEY,
	scope_key  TEXT NOT NULL UNIQUE,
	concept    TEXT NOT NULL,
	country    TEXT NOT NULL DEFAULT '',
	start_date TEXT NOT NULL DEFAULT '',
	end_date   TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id            TEXT PRIMARY KEY,
	tag           TEXT NOT NULL UNIQUE,
	window_id     TEXT NOT NULL REFERENCES windows(id),
	task_type     TEXT NOT NULL DEFAULT '',
	config        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	active_run_id TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	id                  TEXT PRIMARY KEY,
	window_id           TEXT NOT NULL REFERENCES windows(id),
	title               TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL,
	normalized_url      TEXT NOT NULL,
	raw_content         TEXT NOT NULL,
	cleaned_content     TEXT NOT NULL DEFAULT '',
	neutralized_content TEXT NOT NULL DEFAULT '',
	abstracted_content  TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_window_url ON evidence(window_id, normalized_url);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	status        TEXT NOT NULL,
	desired_state TEXT NOT NULL,
	stages        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	stop_at_stage TEXT NOT NULL DEFAULT '',
	sample_count  INTEGER NOT NULL,
	evidence_cap  INTEGER NOT NULL DEFAULT 0,
	policy        TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	stage              TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	total_requests     INTEGER NOT NULL DEFAULT 0,
	completed_requests INTEGER NOT NULL DEFAULT 0,
	failed_requests    INTEGER NOT NULL DEFAULT 0,
	updated_at         DATETIME NOT NULL,
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS rubrics (
	id                       TEXT PRIMARY KEY,
	run_id                   TEXT NOT NULL REFERENCES runs(id),
	experiment_id            TEXT NOT NULL,
	model                    TEXT NOT NULL,
	concept                  TEXT NOT NULL,
	scale_size               INTEGER NOT NULL,
	stages                   TEXT NOT NULL DEFAULT 'null',
	reasoning                TEXT NOT NULL DEFAULT '',
	parse_status             TEXT NOT NULL DEFAULT 'pending',
	parse_error              TEXT NOT NULL DEFAULT '',
	attempt_count            INTEGER NOT NULL DEFAULT 0,
	quality_observability    REAL,
	quality_discriminability REAL,
	critic_reasoning         TEXT NOT NULL DEFAULT '',
	created_at               DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rubrics_run ON rubrics(run_id, created_at);

CREATE TABLE IF NOT EXISTS samples (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	experiment_id TEXT NOT NULL,
	rubric_id     TEXT NOT NULL REFERENCES rubrics(id),
	model         TEXT NOT NULL,
	display_seed  INTEGER NOT NULL,
	label_mapping TEXT NOT NULL DEFAULT 'null',
	created_at    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_samples_run_rubric ON samples(run_id, rubric_id);

CREATE TABLE IF NOT EXISTS scores (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES runs(id),
	sample_id        TEXT NOT NULL REFERENCES samples(id),
	evidence_id      TEXT NOT NULL REFERENCES evidence(id),
	raw_output       TEXT NOT NULL DEFAULT '',
	raw_verdict      TEXT NOT NULL DEFAULT '',
	decoded_scores   TEXT NOT NULL DEFAULT 'null',
	abstained        INTEGER NOT NULL DEFAULT 0,
	reasoning        TEXT NOT NULL DEFAULT '',
	parse_status     TEXT NOT NULL DEFAULT 'pending',
	parse_error      TEXT NOT NULL DEFAULT '',
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	expert_agreement REAL,
	critic_reasoning TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scores_sample_evidence ON scores(sample_id, evidence_id);
CREATE INDEX IF NOT EXISTS idx_scores_run ON scores(run_id);

CREATE TABLE IF NOT EXISTS llm_requests (
	id              TEXT PRIMARY KEY,
	stage           TEXT NOT NULL,
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	experiment_id   TEXT NOT NULL DEFAULT '',
	rubric_id       TEXT NOT NULL DEFAULT '',
	sample_id       TEXT NOT NULL DEFAULT '',
	evidence_id     TEXT NOT NULL DEFAULT '',
	request_version INTEGER NOT NULL DEFAULT 1,
	identity_hash   TEXT NOT NULL,
	run_id          TEXT NOT NULL DEFAULT '',
	system_prompt   TEXT NOT NULL DEFAULT '',
	user_prompt     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	attempt         INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_retry_at   DATETIME,
	batch_id        TEXT NOT NULL DEFAULT '',
	message_id      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_llm_requests_identity ON llm_requests(identity_hash);
CREATE INDEX IF NOT EXISTS idx_llm_requests_queue ON llm_requests(status, provider, model, created_at);
CREATE INDEX IF NOT EXISTS idx_llm_requests_run_stage ON llm_requests(run_id, stage, status);

CREATE TABLE IF NOT EXISTS llm_messages (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL REFERENCES llm_requests(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	output        TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_batches (
	id                TEXT PRIMARY KEY,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider_batch_id TEXT NOT NULL,
	run_id            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	locked_until      DATETIME,
	next_poll_at      DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_batches_status ON llm_batches(status, next_poll_at);

CREATE TABLE IF NOT EXISTS llm_batch_items (
	batch_id   TEXT NOT NULL REFERENCES llm_batches(id),
	request_id TEXT NOT NULL REFERENCES llm_requests(id),
	custom_id  TEXT NOT NULL,
	PRIMARY KEY (batch_id, request_id)
);

CREATE TABLE IF NOT EXISTS scheduler_state (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	next_tick_at DATETIME,
	locked_until DATETIME
);

INSERT OR IGNORE INTO scheduler_state (id) VALUES (1);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteConn adapts *sql.DB to conn.
type sqliteConn struct {
	db *sql.DB
}

type sqliteRows struct {
	*sql.Rows
}

func (r sqliteRows) Close() { _ = r.Rows.Close() }

func (c sqliteConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqliteConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	rs, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{rs}, nil
}

func (c sqliteConn) queryRow(ctx context.Context, q string, args ...any) row {
	return c.db.QueryRowContext(ctx, q, args...)
}

func (c sqliteConn) insertRows(ctx context.Context, table string, columns []string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}
	q := `INSERT INTO ` + table + ` (` + strings.Join(columns, ", ") + `) VALUES (?` +
		strings.Repeat(", ?", len(columns)-1) + `)`
	for _, v := range values {
		if _, err := c.db.ExecContext(ctx, q, v...); err != nil {
			return err
		}
	}
	return nil
}

func (sqliteConn) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (sqliteConn) isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

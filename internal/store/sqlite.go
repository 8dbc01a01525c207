package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. It runs with a
// single connection, so every statement and transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS queue_items (
	id               TEXT PRIMARY KEY,
	source_url       TEXT NOT NULL UNIQUE,
	source           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	locked_by        TEXT,
	locked_until     DATETIME,
	next_attempt_at  DATETIME NOT NULL,
	raw_hint_fields  TEXT,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	processed_at     DATETIME,
	error_message    TEXT,
	result_entity_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_claimable ON queue_items(status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(status, locked_until);

CREATE TABLE IF NOT EXISTS entities (
	id                     TEXT PRIMARY KEY,
	vin                    TEXT,
	discovery_url          TEXT NOT NULL UNIQUE,
	status                 TEXT NOT NULL DEFAULT 'pending',
	ownership_verified     INTEGER NOT NULL DEFAULT 0,
	identifier_placeholder TEXT,
	merged_into            TEXT REFERENCES entities(id),
	metadata               TEXT,
	created_at             DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL,
	published_at           DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_vin ON entities(vin) WHERE vin IS NOT NULL;

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL DEFAULT '',
	source_kind TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL,
	locked      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_id, field_name)
);

CREATE TABLE IF NOT EXISTS field_provenance (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL,
	observed_at DATETIME NOT NULL,
	accepted    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_provenance_entity ON field_provenance(entity_id, field_name);

CREATE TABLE IF NOT EXISTS organizations (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	website         TEXT,
	city            TEXT NOT NULL DEFAULT '',
	normalized_city TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_website ON organizations(website) WHERE website IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_organizations_locality ON organizations(state, normalized_city);

CREATE TABLE IF NOT EXISTS relationships (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	entity_id       TEXT NOT NULL REFERENCES entities(id),
	kind            TEXT NOT NULL,
	family          TEXT NOT NULL,
	is_current      INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL,
	retired_at      DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_current
	ON relationships(organization_id, entity_id, family) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS media_assets (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL REFERENCES entities(id),
	source_url TEXT NOT NULL,
	stored_url TEXT,
	position   INTEGER NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	error      TEXT,
	claimed_at DATETIME,
	created_at DATETIME NOT NULL,
	UNIQUE (entity_id, source_url)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_media_primary ON media_assets(entity_id) WHERE is_primary = 1;

CREATE TABLE IF NOT EXISTS timeline_events (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	kind        TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	payload     TEXT,
	occurred_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeline_entity ON timeline_events(entity_id, occurred_at);
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

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
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

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sqlText maps "" to NULL.
func sqlText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

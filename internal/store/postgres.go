package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
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
	if minConns > maxConns {
		minConns = maxConns
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

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS queue_items (
	id               TEXT PRIMARY KEY,
	source_url       TEXT NOT NULL UNIQUE,
	source           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	locked_by        TEXT,
	locked_until     TIMESTAMPTZ,
	next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	raw_hint_fields  JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at     TIMESTAMPTZ,
	error_message    TEXT,
	result_entity_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_claimable ON queue_items(status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(status, locked_until);
CREATE INDEX IF NOT EXISTS idx_queue_result ON queue_items(result_entity_id);

CREATE TABLE IF NOT EXISTS entities (
	id                     TEXT PRIMARY KEY,
	vin                    TEXT,
	discovery_url          TEXT NOT NULL UNIQUE,
	status                 TEXT NOT NULL DEFAULT 'pending',
	ownership_verified     BOOLEAN NOT NULL DEFAULT false,
	identifier_placeholder TEXT,
	merged_into            TEXT REFERENCES entities(id),
	metadata               JSONB,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at           TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_vin ON entities(vin) WHERE vin IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entities_merged ON entities(merged_into);

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL DEFAULT '',
	source_kind TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked      BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (entity_id, field_name)
);

CREATE TABLE IF NOT EXISTS field_provenance (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accepted    BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_provenance_entity ON field_provenance(entity_id, field_name, seq);

CREATE TABLE IF NOT EXISTS organizations (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	website         TEXT,
	city            TEXT NOT NULL DEFAULT '',
	normalized_city TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_website ON organizations(website) WHERE website IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_organizations_locality ON organizations(state, normalized_city);

CREATE TABLE IF NOT EXISTS relationships (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	entity_id       TEXT NOT NULL REFERENCES entities(id),
	kind            TEXT NOT NULL,
	family          TEXT NOT NULL,
	is_current      BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	retired_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_current
	ON relationships(organization_id, entity_id, family) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_relationships_entity ON relationships(entity_id);

CREATE TABLE IF NOT EXISTS media_assets (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL REFERENCES entities(id),
	source_url TEXT NOT NULL,
	stored_url TEXT,
	position   INTEGER NOT NULL,
	is_primary BOOLEAN NOT NULL DEFAULT false,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	error      TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_id, source_url)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_media_primary ON media_assets(entity_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS timeline_events (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	kind        TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_timeline_entity ON timeline_events(entity_id, occurred_at, seq);
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

// noRows reports whether err is pgx.ErrNoRows.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// pgText maps "" to NULL.
func pgText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefText(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

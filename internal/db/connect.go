package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB, tunes the pool and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltiengine.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltiengine?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverSQLite:
		// SQLite should not use many concurrent writers; keep pool small.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_platforms (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  family          TEXT NOT NULL DEFAULT 'generic',
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_endpoint   TEXT NOT NULL,
  token_endpoint  TEXT NOT NULL,
  jwks_endpoint   TEXT NOT NULL,
  deployment_id   TEXT NOT NULL DEFAULT '',
  nrps_endpoint   TEXT NOT NULL DEFAULT '',
  auto_provision  INTEGER NOT NULL DEFAULT 1,
  active          INTEGER NOT NULL DEFAULT 1,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_lti_platforms_issuer_active
  ON lti_platforms(issuer) WHERE active = 1;

CREATE TABLE IF NOT EXISTS lti_signing_keys (
  kid          TEXT PRIMARY KEY,
  platform_id  TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  public_pem   TEXT NOT NULL,
  private_pem  TEXT NOT NULL,
  alg          TEXT NOT NULL DEFAULT 'RS256',
  active       INTEGER NOT NULL DEFAULT 1,
  created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_signing_keys_platform
  ON lti_signing_keys(platform_id, active);

CREATE TABLE IF NOT EXISTS lti_launch_sessions (
  id            TEXT PRIMARY KEY,  -- OIDC state
  platform_id   TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  message_type  TEXT NOT NULL DEFAULT '',
  data_json     TEXT NOT NULL,
  created_at    INTEGER NOT NULL,
  used_at       INTEGER
);

CREATE TABLE IF NOT EXISTS lti_user_map (
  id               TEXT PRIMARY KEY,
  platform_id      TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  external_user_id TEXT NOT NULL,
  local_user_id    TEXT NOT NULL,
  email            TEXT NOT NULL DEFAULT '',
  given_name       TEXT NOT NULL DEFAULT '',
  family_name      TEXT NOT NULL DEFAULT '',
  full_name        TEXT NOT NULL DEFAULT '',
  roles_json       TEXT NOT NULL DEFAULT '[]',
  raw_claims_json  TEXT NOT NULL DEFAULT '{}',
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL,
  UNIQUE(platform_id, external_user_id)
);

CREATE TABLE IF NOT EXISTS lti_contexts (
  id                  TEXT PRIMARY KEY,
  platform_id         TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  external_context_id TEXT NOT NULL,
  label               TEXT NOT NULL DEFAULT '',
  title               TEXT NOT NULL DEFAULT '',
  raw_claims_json     TEXT NOT NULL DEFAULT '{}',
  sync_status         TEXT NOT NULL DEFAULT 'pending',
  last_synced_at      INTEGER,
  course_id           TEXT NOT NULL DEFAULT '',
  created_at          INTEGER NOT NULL,
  updated_at          INTEGER NOT NULL,
  UNIQUE(platform_id, external_context_id)
);

CREATE TABLE IF NOT EXISTS lti_enrollments (
  id               TEXT PRIMARY KEY,
  context_id       TEXT NOT NULL REFERENCES lti_contexts(id) ON DELETE CASCADE,
  user_mapping_id  TEXT NOT NULL REFERENCES lti_user_map(id) ON DELETE CASCADE,
  role             TEXT NOT NULL,
  status           TEXT NOT NULL DEFAULT 'active',
  last_activity_at INTEGER NOT NULL,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL,
  UNIQUE(context_id, user_mapping_id)
);

CREATE TABLE IF NOT EXISTS lti_sync_logs (
  id            TEXT PRIMARY KEY,
  platform_id   TEXT NOT NULL,
  sync_type     TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('started','completed','failed')),
  processed     INTEGER NOT NULL DEFAULT 0,
  created_n     INTEGER NOT NULL DEFAULT 0,
  updated_n     INTEGER NOT NULL DEFAULT 0,
  failed_n      INTEGER NOT NULL DEFAULT 0,
  error         TEXT NOT NULL DEFAULT '',
  started_at    INTEGER NOT NULL,
  finished_at   INTEGER
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  family          TEXT NOT NULL DEFAULT 'generic',
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_endpoint   TEXT NOT NULL,
  token_endpoint  TEXT NOT NULL,
  jwks_endpoint   TEXT NOT NULL,
  deployment_id   TEXT NOT NULL DEFAULT '',
  nrps_endpoint   TEXT NOT NULL DEFAULT '',
  auto_provision  BOOLEAN NOT NULL DEFAULT TRUE,
  active          BOOLEAN NOT NULL DEFAULT TRUE,
  created_at      BIGINT NOT NULL,
  updated_at      BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_lti_platforms_issuer_active
  ON lti_platforms(issuer) WHERE active;

CREATE TABLE IF NOT EXISTS lti_signing_keys (
  kid          TEXT PRIMARY KEY,
  platform_id  TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  public_pem   TEXT NOT NULL,
  private_pem  TEXT NOT NULL,
  alg          TEXT NOT NULL DEFAULT 'RS256',
  active       BOOLEAN NOT NULL DEFAULT TRUE,
  created_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lti_signing_keys_platform
  ON lti_signing_keys(platform_id, active);

CREATE TABLE IF NOT EXISTS lti_launch_sessions (
  id            TEXT PRIMARY KEY,
  platform_id   TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  message_type  TEXT NOT NULL DEFAULT '',
  data_json     TEXT NOT NULL,
  created_at    BIGINT NOT NULL,
  used_at       BIGINT
);

CREATE TABLE IF NOT EXISTS lti_user_map (
  id               TEXT PRIMARY KEY,
  platform_id      TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  external_user_id TEXT NOT NULL,
  local_user_id    TEXT NOT NULL,
  email            TEXT NOT NULL DEFAULT '',
  given_name       TEXT NOT NULL DEFAULT '',
  family_name      TEXT NOT NULL DEFAULT '',
  full_name        TEXT NOT NULL DEFAULT '',
  roles_json       TEXT NOT NULL DEFAULT '[]',
  raw_claims_json  TEXT NOT NULL DEFAULT '{}',
  created_at       BIGINT NOT NULL,
  updated_at       BIGINT NOT NULL,
  UNIQUE(platform_id, external_user_id)
);

CREATE TABLE IF NOT EXISTS lti_contexts (
  id                  TEXT PRIMARY KEY,
  platform_id         TEXT NOT NULL REFERENCES lti_platforms(id) ON DELETE CASCADE,
  external_context_id TEXT NOT NULL,
  label               TEXT NOT NULL DEFAULT '',
  title               TEXT NOT NULL DEFAULT '',
  raw_claims_json     TEXT NOT NULL DEFAULT '{}',
  sync_status         TEXT NOT NULL DEFAULT 'pending',
  last_synced_at      BIGINT,
  course_id           TEXT NOT NULL DEFAULT '',
  created_at          BIGINT NOT NULL,
  updated_at          BIGINT NOT NULL,
  UNIQUE(platform_id, external_context_id)
);

CREATE TABLE IF NOT EXISTS lti_enrollments (
  id               TEXT PRIMARY KEY,
  context_id       TEXT NOT NULL REFERENCES lti_contexts(id) ON DELETE CASCADE,
  user_mapping_id  TEXT NOT NULL REFERENCES lti_user_map(id) ON DELETE CASCADE,
  role             TEXT NOT NULL,
  status           TEXT NOT NULL DEFAULT 'active',
  last_activity_at BIGINT NOT NULL,
  created_at       BIGINT NOT NULL,
  updated_at       BIGINT NOT NULL,
  UNIQUE(context_id, user_mapping_id)
);

CREATE TABLE IF NOT EXISTS lti_sync_logs (
  id            TEXT PRIMARY KEY,
  platform_id   TEXT NOT NULL,
  sync_type     TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('started','completed','failed')),
  processed     INTEGER NOT NULL DEFAULT 0,
  created_n     INTEGER NOT NULL DEFAULT 0,
  updated_n     INTEGER NOT NULL DEFAULT 0,
  failed_n      INTEGER NOT NULL DEFAULT 0,
  error         TEXT NOT NULL DEFAULT '',
  started_at    BIGINT NOT NULL,
  finished_at   BIGINT
);
`

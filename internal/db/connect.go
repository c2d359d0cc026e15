package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:domainmap.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/domainmap?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
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

// EnsureMappingTable lazily provisions the mapping table. The stores call
// this exactly once when a write fails with the table missing, then retry.
func EnsureMappingTable(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = mappingTableSQLite
	case DriverPostgres:
		schema = mappingTablePostgres
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// EnsureNetworkAttrsTable is the network-mapping counterpart of
// EnsureMappingTable.
func EnsureNetworkAttrsTable(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = attrsTableSQLite
	case DriverPostgres:
		schema = attrsTablePostgres
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const attrsTableSQLite = `
CREATE TABLE IF NOT EXISTS network_attrs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  network_id INTEGER NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  attr_key TEXT NOT NULL,
  attr_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_network_attrs_key ON network_attrs(attr_key);
CREATE INDEX IF NOT EXISTS idx_network_attrs_network ON network_attrs(network_id);
`

const attrsTablePostgres = `
CREATE TABLE IF NOT EXISTS network_attrs (
  id BIGSERIAL PRIMARY KEY,
  network_id BIGINT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  attr_key TEXT NOT NULL,
  attr_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_network_attrs_key ON network_attrs(attr_key);
CREATE INDEX IF NOT EXISTS idx_network_attrs_network ON network_attrs(network_id);
`

const mappingTableSQLite = `
CREATE TABLE IF NOT EXISTS domain_mappings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id INTEGER NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
  domain TEXT NOT NULL UNIQUE,
  active INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_domain_mappings_site ON domain_mappings(site_id, domain, active);
`

const mappingTablePostgres = `
CREATE TABLE IF NOT EXISTS domain_mappings (
  id BIGSERIAL PRIMARY KEY,
  site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
  domain TEXT NOT NULL UNIQUE,
  active BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_domain_mappings_site ON domain_mappings(site_id, domain, active);
`

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS networks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  domain TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '/',
  cookie_domain TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sites (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  network_id INTEGER NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  domain TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '/',
  title TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS domain_mappings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id INTEGER NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
  domain TEXT NOT NULL UNIQUE,
  active INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_domain_mappings_site ON domain_mappings(site_id, domain, active);

-- network-wide key/value attributes; network mappings live here as JSON blobs
CREATE TABLE IF NOT EXISTS network_attrs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  network_id INTEGER NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  attr_key TEXT NOT NULL,
  attr_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_network_attrs_key ON network_attrs(attr_key);
CREATE INDEX IF NOT EXISTS idx_network_attrs_network ON network_attrs(network_id);

CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL UNIQUE
);

-- one-time SSO login tokens, attached to the owning user
CREATE TABLE IF NOT EXISTS user_tokens (
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_key TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (user_id, token_key)
);
CREATE INDEX IF NOT EXISTS idx_user_tokens_key ON user_tokens(token_key);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" INTEGER PRIMARY KEY AUTOINCREMENT, -- BIGSERIAL in Postgres
  typ TEXT NOT NULL,                        -- e.g., MappingUpdated
  key TEXT NOT NULL,                        -- natural key: mapping domain
  data TEXT NOT NULL,                       -- JSON payload
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS networks (
  id BIGSERIAL PRIMARY KEY,
  domain TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '/',
  cookie_domain TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sites (
  id BIGSERIAL PRIMARY KEY,
  network_id BIGINT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  domain TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '/',
  title TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS domain_mappings (
  id BIGSERIAL PRIMARY KEY,
  site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
  domain TEXT NOT NULL UNIQUE,
  active BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_domain_mappings_site ON domain_mappings(site_id, domain, active);

CREATE TABLE IF NOT EXISTS network_attrs (
  id BIGSERIAL PRIMARY KEY,
  network_id BIGINT NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
  attr_key TEXT NOT NULL,
  attr_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_network_attrs_key ON network_attrs(attr_key);
CREATE INDEX IF NOT EXISTS idx_network_attrs_network ON network_attrs(network_id);

CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS user_tokens (
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_key TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  PRIMARY KEY (user_id, token_key)
);
CREATE INDEX IF NOT EXISTS idx_user_tokens_key ON user_tokens(token_key);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" BIGSERIAL PRIMARY KEY,
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`

// Package postgres is the PostgreSQL node store. Writers of one
// (nodeType, name) or connect URL key are serialized with transaction-scoped
// advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gustycube/discovery-registry/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS discovery_nodes (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL CHECK (btrim(name) <> ''),
	node_type TEXT NOT NULL CHECK (btrim(node_type) <> ''),
	labels JSONB NOT NULL DEFAULT '{}'::jsonb,
	deleted_at TIMESTAMPTZ,
	parent_id BIGINT REFERENCES discovery_nodes(id),
	target_id BIGINT
);

CREATE INDEX IF NOT EXISTS idx_discovery_nodes_type ON discovery_nodes(node_type);
CREATE INDEX IF NOT EXISTS idx_discovery_nodes_type_name ON discovery_nodes(node_type, name);
CREATE INDEX IF NOT EXISTS idx_discovery_nodes_parent ON discovery_nodes(parent_id);

CREATE TABLE IF NOT EXISTS targets (
	id BIGSERIAL PRIMARY KEY,
	connect_url TEXT NOT NULL CHECK (btrim(connect_url) <> ''),
	jvm_id TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	labels JSONB NOT NULL DEFAULT '{}'::jsonb,
	annotations JSONB NOT NULL DEFAULT '{}'::jsonb,
	deleted_at TIMESTAMPTZ,
	discovery_node_id BIGINT REFERENCES discovery_nodes(id)
);

CREATE INDEX IF NOT EXISTS idx_targets_connect_url ON targets(connect_url);
CREATE INDEX IF NOT EXISTS idx_targets_jvm_id ON targets(jvm_id) WHERE jvm_id <> '';
`

// Store is the PostgreSQL node store
type Store struct {
	conn *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and creates the schema when missing
func Open(ctx context.Context, config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn}
	if err := s.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates tables and indexes when missing
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Begin starts a transaction, read-only unless writable
func (s *Store) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	sqlTx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", translate(err))
	}
	return &tx{ctx: ctx, tx: sqlTx, writable: writable}, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505": // serialization_failure, deadlock_detected, unique_violation
			return fmt.Errorf("%s: %w", pqErr.Message, store.ErrConflict)
		case "23514", "23502": // check_violation, not_null_violation
			return fmt.Errorf("%s: %w", pqErr.Message, store.ErrValidation)
		}
	}
	return err
}

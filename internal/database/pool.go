package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/chat-relay/internal/config"
)

// Schema creates the entity table.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_entities (
	kind        TEXT   NOT NULL,
	entity_id   TEXT   NOT NULL,
	platform    TEXT   NOT NULL DEFAULT '',
	payload     JSONB  NOT NULL,
	ordered_at  BIGINT NOT NULL,
	received_at BIGINT NOT NULL,
	written_at  BIGINT NOT NULL,
	PRIMARY KEY (kind, entity_id)
);
CREATE INDEX IF NOT EXISTS relay_entities_ordered_at_idx ON relay_entities (ordered_at);
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

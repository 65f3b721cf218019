package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyper-protocol/vyper-core-sub000/internal/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tranches (
    id              UUID PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    owner           TEXT NOT NULL,
    rate_source     TEXT NOT NULL,
    payoff_module   TEXT NOT NULL,
    version         TEXT NOT NULL,
    supply_senior   NUMERIC(20,0) NOT NULL DEFAULT 0,
    supply_junior   NUMERIC(20,0) NOT NULL DEFAULT 0,
    data            BYTEA NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sampling_buffers (
    source_id   TEXT PRIMARY KEY,
    data        BYTEA NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS refresh_history (
    id                  BIGSERIAL PRIMARY KEY,
    tranche_id          UUID NOT NULL,
    tick                NUMERIC(20,0) NOT NULL,
    outcome             TEXT NOT NULL,
    error               TEXT,
    deposited_senior    NUMERIC(20,0) NOT NULL,
    deposited_junior    NUMERIC(20,0) NOT NULL,
    fee                 NUMERIC(20,0) NOT NULL,
    reserve_fair_value  BYTEA NOT NULL,
    fair_value_senior   NUMERIC NOT NULL,
    fair_value_junior   NUMERIC NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS refresh_history_tranche_created_idx
    ON refresh_history (tranche_id, created_at);

CREATE TABLE IF NOT EXISTS alerts (
    id          BIGSERIAL PRIMARY KEY,
    tranche_id  UUID NOT NULL,
    code        TEXT NOT NULL,
    message     TEXT NOT NULL,
    channels    TEXT[] NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Migrate creates the ledger tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

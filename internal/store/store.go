package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool initializes the pgx connection pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return pool, nil
}

// Migrate applies the application schema. Every statement is idempotent so the
// call is safe on every boot; river's own tables are migrated separately.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`
CREATE TABLE IF NOT EXISTS accounts (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	`
CREATE TABLE IF NOT EXISTS balances (
    account_id UUID PRIMARY KEY REFERENCES accounts(id),
    tokens     BIGINT NOT NULL DEFAULT 0 CHECK (tokens >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	`
CREATE TABLE IF NOT EXISTS ledger_entries (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    account_id   UUID NOT NULL REFERENCES accounts(id),
    entry_type   TEXT NOT NULL CHECK (entry_type IN ('debit', 'credit', 'refund')),
    amount       BIGINT NOT NULL CHECK (amount > 0),
    reference_id TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, created_at DESC);

-- At most one credit per external event and one refund per charge. The index
-- is the backstop for concurrent settlement attempts.
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_settle_once
    ON ledger_entries (entry_type, reference_id)
    WHERE entry_type IN ('credit', 'refund');`,
	`
CREATE TABLE IF NOT EXISTS creations (
    id             UUID PRIMARY KEY,
    owner_id       UUID NOT NULL REFERENCES accounts(id),
    kind           TEXT NOT NULL CHECK (kind IN ('image', 'video', 'reel')),
    prompt         TEXT NOT NULL,
    params         JSONB,
    cost_tokens    BIGINT NOT NULL CHECK (cost_tokens >= 0),
    status         TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'ready', 'published', 'failed')),
    output_key     TEXT,
    debit_entry_id UUID,
    refunded       BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_creations_owner ON creations (owner_id, created_at DESC);`,
	`
CREATE TABLE IF NOT EXISTS stitch_jobs (
    id             UUID PRIMARY KEY,
    target_id      UUID NOT NULL,
    owner_id       UUID NOT NULL REFERENCES accounts(id),
    input_ids      UUID[] NOT NULL,
    status         TEXT NOT NULL DEFAULT 'queued'
        CHECK (status IN ('queued', 'running', 'completed', 'failed')),
    execution_ref  TEXT,
    output_key     TEXT NOT NULL,
    cost_tokens    BIGINT NOT NULL CHECK (cost_tokens >= 0),
    debit_entry_id UUID,
    refunded       BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- One live job per reel. Concurrent enqueues race on this index and exactly
-- one insert wins.
CREATE UNIQUE INDEX IF NOT EXISTS idx_stitch_jobs_one_active
    ON stitch_jobs (target_id)
    WHERE status IN ('queued', 'running');

CREATE INDEX IF NOT EXISTS idx_stitch_jobs_unsettled
    ON stitch_jobs (updated_at)
    WHERE status IN ('queued', 'running');`,
}

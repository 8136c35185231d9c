// Package migrations holds the versioned schema for the pools and
// pool_transactions tables (SPEC_FULL §D.2). Applied via `lpce-admin migrate`.
package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// All is the ordered list of migrations. Never edit a past entry; append a
// new one instead (spec P6's append-only discipline applies to schema
// evolution too).
var All = []Migration{
	{
		Version: 1,
		Name:    "create_pools",
		SQL: `
CREATE TABLE IF NOT EXISTS pools (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL,
	status                   TEXT NOT NULL,
	risk_tier                TEXT NOT NULL,
	currency                 TEXT NOT NULL,
	total_capital            NUMERIC(20,2) NOT NULL,
	available_capital        NUMERIC(20,2) NOT NULL,
	deployed_capital         NUMERIC(20,2) NOT NULL,
	reserved_capital         NUMERIC(20,2) NOT NULL,
	target_return_rate       NUMERIC(9,4) NOT NULL DEFAULT 0,
	actual_return_rate       NUMERIC(9,4) NOT NULL DEFAULT 0,
	min_advance_amount       NUMERIC(20,2) NOT NULL,
	max_advance_amount       NUMERIC(20,2) NOT NULL,
	max_exposure_limit       NUMERIC(20,2) NOT NULL,
	min_reserve_ratio        NUMERIC(9,4) NOT NULL,
	total_advances_issued    BIGINT NOT NULL DEFAULT 0,
	total_advances_completed BIGINT NOT NULL DEFAULT 0,
	total_advances_defaulted BIGINT NOT NULL DEFAULT 0,
	total_advances_active    BIGINT NOT NULL DEFAULT 0,
	total_disbursed          NUMERIC(20,2) NOT NULL DEFAULT 0,
	total_repaid             NUMERIC(20,2) NOT NULL DEFAULT 0,
	total_fees_earned        NUMERIC(20,2) NOT NULL DEFAULT 0,
	default_rate             NUMERIC(9,4) NOT NULL DEFAULT 0,
	auto_rebalance_enabled   BOOLEAN NOT NULL DEFAULT false,
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL,
	created_by               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pools_status ON pools(status);
CREATE INDEX IF NOT EXISTS idx_pools_currency ON pools(currency);
`,
	},
	{
		Version: 2,
		Name:    "create_pool_transactions",
		SQL: `
CREATE TABLE IF NOT EXISTS pool_transactions (
	id                   TEXT PRIMARY KEY,
	pool_id              TEXT NOT NULL REFERENCES pools(id) ON DELETE RESTRICT,
	type                 TEXT NOT NULL,
	amount               NUMERIC(20,2) NOT NULL,
	balance_before        NUMERIC(20,2) NOT NULL,
	balance_after         NUMERIC(20,2) NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	metadata             JSONB NOT NULL DEFAULT '{}',
	related_advance_id   TEXT,
	related_investor_id  TEXT,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txn_pool_created ON pool_transactions(pool_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_txn_type ON pool_transactions(pool_id, type);
CREATE INDEX IF NOT EXISTS idx_txn_related_advance ON pool_transactions(related_advance_id) WHERE related_advance_id IS NOT NULL;
`,
	},
	{
		Version: 3,
		Name:    "schema_migrations_table",
		SQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`,
	},
}

// Apply runs every migration not already recorded in schema_migrations, in
// version order, each in its own transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrations: bootstrap schema_migrations: %w", err)
	}

	for _, m := range All {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.Version).Scan(&exists); err != nil {
			return fmt.Errorf("migrations: check version %d: %w", m.Version, err)
		}
		if exists {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migrations: begin version %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrations: apply %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrations: record version %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migrations: commit version %d: %w", m.Version, err)
		}
	}
	return nil
}

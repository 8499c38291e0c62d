package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements create the tables used by PgStore. They are idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id                   TEXT PRIMARY KEY,
		codename             TEXT NOT NULL,
		status               TEXT NOT NULL,
		current_step         TEXT NOT NULL DEFAULT '',
		step_history         JSONB NOT NULL DEFAULT '[]',
		conversation_history JSONB NOT NULL DEFAULT '[]',
		state                JSONB,
		confidence_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		version              INTEGER NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_codename_status_idx
		ON workflow_runs (codename, status)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_created_at_idx
		ON workflow_runs (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS communication_associations (
		channel_type TEXT NOT NULL,
		channel_id   TEXT NOT NULL,
		run_id       TEXT NOT NULL REFERENCES workflow_runs (id),
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (channel_type, channel_id)
	)`,
	`CREATE INDEX IF NOT EXISTS communication_associations_run_idx
		ON communication_associations (run_id)`,
}

// Migrate creates the PgStore schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

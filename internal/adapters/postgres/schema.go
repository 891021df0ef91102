package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements bootstrap the campaign tables. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		traits JSONB NOT NULL DEFAULT '[]',
		behavior_prompt TEXT NOT NULL,
		voice TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS prompt_versions (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT,
		content TEXT NOT NULL,
		version INTEGER NOT NULL,
		parent_id TEXT REFERENCES prompt_versions(id),
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_versions_evaluation ON prompt_versions(evaluation_id)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		pause_requested BOOLEAN NOT NULL DEFAULT FALSE,
		source_prompt_id TEXT NOT NULL REFERENCES prompt_versions(id),
		current_epoch_number INTEGER NOT NULL DEFAULT 0,
		best_prompt_id TEXT REFERENCES prompt_versions(id),
		best_accuracy DOUBLE PRECISION,
		best_conversion_rate DOUBLE PRECISION,
		winner_prompt_id TEXT REFERENCES prompt_versions(id),
		config JSONB NOT NULL,
		error_message TEXT,
		failed_epoch_number INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`ALTER TABLE evaluations ADD COLUMN IF NOT EXISTS pause_requested BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE TABLE IF NOT EXISTS epochs (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
		epoch_number INTEGER NOT NULL,
		prompt_id TEXT NOT NULL REFERENCES prompt_versions(id),
		previous_epoch_id TEXT REFERENCES epochs(id),
		status TEXT NOT NULL,
		test_run_id TEXT,
		accuracy DOUBLE PRECISION,
		conversion_rate DOUBLE PRECISION,
		avg_latency_ms DOUBLE PRECISION,
		accuracy_delta DOUBLE PRECISION,
		conversion_delta DOUBLE PRECISION,
		latency_delta DOUBLE PRECISION,
		is_accepted BOOLEAN NOT NULL DEFAULT FALSE,
		resulting_prompt_id TEXT REFERENCES prompt_versions(id),
		improvement JSONB,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		UNIQUE (evaluation_id, epoch_number)
	)`,
	`CREATE TABLE IF NOT EXISTS test_runs (
		id TEXT PRIMARY KEY,
		epoch_id TEXT NOT NULL UNIQUE REFERENCES epochs(id) ON DELETE CASCADE,
		evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
		prompt_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_sessions INTEGER NOT NULL,
		completed_sessions INTEGER NOT NULL DEFAULT 0,
		failed_sessions INTEGER NOT NULL DEFAULT 0,
		accuracy DOUBLE PRECISION,
		avg_latency_ms DOUBLE PRECISION,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		CHECK (completed_sessions + failed_sessions <= total_sessions)
	)`,
	`CREATE TABLE IF NOT EXISTS test_sessions (
		id TEXT PRIMARY KEY,
		test_run_id TEXT NOT NULL REFERENCES test_runs(id) ON DELETE CASCADE,
		epoch_id TEXT NOT NULL,
		evaluation_id TEXT NOT NULL,
		persona_id TEXT NOT NULL REFERENCES personas(id),
		instance_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		room_name TEXT,
		transcript JSONB NOT NULL DEFAULT '[]',
		turns INTEGER NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		accuracy DOUBLE PRECISION,
		avg_latency_ms DOUBLE PRECISION,
		tokens INTEGER NOT NULL DEFAULT 0,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		recording_url TEXT,
		end_reason TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_sessions_run ON test_sessions(test_run_id)`,
	`CREATE TABLE IF NOT EXISTS metrics_records (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL,
		epoch_id TEXT NOT NULL REFERENCES epochs(id) ON DELETE CASCADE,
		persona_id TEXT NOT NULL,
		accuracy DOUBLE PRECISION,
		conversion_rate DOUBLE PRECISION NOT NULL,
		avg_latency_ms DOUBLE PRECISION,
		sessions_count INTEGER NOT NULL,
		conversions INTEGER NOT NULL,
		issues JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (epoch_id, persona_id)
	)`,
	`CREATE TABLE IF NOT EXISTS healing_suggestions (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL,
		epoch_id TEXT NOT NULL REFERENCES epochs(id) ON DELETE CASCADE,
		persona_id TEXT,
		issue TEXT NOT NULL,
		suggestion TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		evidence JSONB NOT NULL DEFAULT '[]',
		examples JSONB NOT NULL DEFAULT '[]',
		applied_in_prompt_id TEXT REFERENCES prompt_versions(id),
		applied_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL,
		epoch_id TEXT NOT NULL REFERENCES epochs(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
		transcript JSONB NOT NULL,
		metrics JSONB NOT NULL,
		conversion JSONB NOT NULL,
		environment JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates any missing tables and indexes
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	conn := GetConn(ctx, pool)
	for i, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

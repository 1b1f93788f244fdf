package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the ledger tables if needed. Having the migration in
// code keeps the stack self-contained so docker-compose can bootstrap
// everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id TEXT PRIMARY KEY,
	origin_file_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	total_entries INT NOT NULL,
	remaining INT NOT NULL,
	notify_email TEXT
);
CREATE INDEX IF NOT EXISTS idx_batches_origin ON batches(origin_file_name, created_at DESC);
CREATE TABLE IF NOT EXISTS file_entries (
	batch_id TEXT NOT NULL REFERENCES batches(batch_id) ON DELETE CASCADE,
	file_name TEXT NOT NULL,
	extracted BOOLEAN NOT NULL DEFAULT FALSE,
	finished BOOLEAN NOT NULL DEFAULT FALSE,
	outcome TEXT NOT NULL DEFAULT 'pending' CHECK (outcome IN ('pending','completed','rejected')),
	error_message TEXT,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (batch_id, file_name)
);
CREATE INDEX IF NOT EXISTS idx_file_entries_unfinished ON file_entries(batch_id) WHERE NOT finished;
CREATE TABLE IF NOT EXISTS staged_rows (
	batch_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	job_id TEXT NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_id, file_name)
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// RunMigrations applies the embedded schema migrations and GIN indexes
// against an already-open connection pool. NewClient calls this
// internally; it is exported so tests can run migrations against a
// connection opened independently (e.g. scoped to a shared-container
// test schema via Config.Schema) without going through NewClient's own
// DSN construction.
func RunMigrations(ctx context.Context, db *sql.DB, cfg Config) error {
	return runMigrations(ctx, db, cfg)
}

// CreateGINIndexes creates JSONB GIN indexes on metadata_events.payload
// and ui_events.upsert. parsed_events.payload already has its GIN index
// in the plain SQL migration; raw_events stores BYTEA and has none.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_metadata_events_payload_gin
		ON metadata_events USING gin (payload)`)
	if err != nil {
		return fmt.Errorf("failed to create metadata_events GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_ui_events_upsert_gin
		ON ui_events USING gin (upsert)`)
	if err != nil {
		return fmt.Errorf("failed to create ui_events GIN index: %w", err)
	}

	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// migrations[i] upgrades the schema from version i to i+1. Statements are
// portable between SQLite and PostgreSQL.
//
//nolint:gochecknoglobals
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			entity_key TEXT NOT NULL,
			repository TEXT NOT NULL,
			issue INTEGER NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			snapshot TEXT NOT NULL
		)`,
		// One non-terminal job per entity, enforced by the database too.
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_entity ON jobs(entity_key) WHERE terminal = 0",
		"CREATE INDEX IF NOT EXISTS idx_jobs_repository ON jobs(repository)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)",
	},
	{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			status TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT ''
		)`,
		"CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)",
	},
}

// migrate brings the schema up to CurrentSchemaVersion.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL DEFAULT 0
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}

	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := d.runMigration(ctx, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		d.logger.Debug("Applied schema migration %d", version)
	}
	return nil
}

func (d *DB) runMigration(ctx context.Context, version int) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations[version-1] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx, d.q("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
		version, nowMillis()); err != nil {
		return fmt.Errorf("failed to update schema version to %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version, 0 for a fresh database.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := d.db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_version")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return int(version.Int64), nil
}

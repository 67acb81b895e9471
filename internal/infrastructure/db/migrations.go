package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// GoMigration is a data migration bound to the golang-migrate version of a SQL
// migration, e.g. "20260901000000". It runs once the schema reached Version.
// Run must be idempotent, since a crash before its completion is recorded
// makes it run again on the next startup.
type GoMigration struct {
	Version string
	Run     func(ctx context.Context, db *sql.DB) error
}

// ApplyGoMigrations runs, in slice order, any GoMigration whose Version is not
// recorded in the go_migrations table yet. A failing migration is not recorded
// and is retried on the next startup.
func ApplyGoMigrations(ctx context.Context, db *sql.DB, migrations []GoMigration) error {
	versions, err := parseVersions(migrations)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS go_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("failed to create go_migrations table: %w", err)
	}

	var schemaVersion int64
	if err := db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&schemaVersion); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i, m := range migrations {
		if schemaVersion < versions[i] {
			return fmt.Errorf("go migration %s is ahead of schema version %d", m.Version, schemaVersion)
		}

		applied, err := isApplied(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := m.Run(ctx, db); err != nil {
			return fmt.Errorf("go migration %s: %w", m.Version, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO go_migrations (version, applied_at) VALUES (?, ?)`, m.Version, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record go migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func parseVersions(migrations []GoMigration) ([]int64, error) {
	versions := make([]int64, 0, len(migrations))
	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		if m.Version == "" {
			return nil, fmt.Errorf("go migration has empty version")
		}
		v, err := strconv.ParseInt(m.Version, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("go migration %q has invalid version: %w", m.Version, err)
		}
		if seen[m.Version] {
			return nil, fmt.Errorf("duplicate go migration version %s", m.Version)
		}
		seen[m.Version] = true
		versions = append(versions, v)
	}
	return versions, nil
}

func isApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM go_migrations WHERE version = ?`, version,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check go migration %s: %w", version, err)
	}
	return count > 0, nil
}

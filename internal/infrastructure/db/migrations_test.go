package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/ArkLabsHQ/tidal/internal/infrastructure/db"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, schemaVersion int64) *sql.DB {
	t.Helper()
	dbh, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	dbh.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = dbh.Close() })

	_, err = dbh.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER NOT NULL PRIMARY KEY,
			dirty BOOLEAN NOT NULL
		);
	`)
	require.NoError(t, err)
	_, err = dbh.Exec(`INSERT INTO schema_migrations(version, dirty) VALUES (?, false)`, schemaVersion)
	require.NoError(t, err)
	return dbh
}

func countApplied(t *testing.T, dbh *sql.DB, version string) int {
	t.Helper()
	var count int
	err := dbh.QueryRow(`SELECT COUNT(*) FROM go_migrations WHERE version = ?`, version).Scan(&count)
	require.NoError(t, err)
	return count
}

func noop(context.Context, *sql.DB) error { return nil }

func TestApplyGoMigrations(t *testing.T) {
	ctx := context.Background()

	t.Run("runs in order once", func(t *testing.T) {
		dbh := openTestDB(t, 20260901000000)
		var order []string
		record := func(name string) func(context.Context, *sql.DB) error {
			return func(context.Context, *sql.DB) error {
				order = append(order, name)
				return nil
			}
		}
		migrations := []db.GoMigration{
			{Version: "20260801000000", Run: record("first")},
			{Version: "20260815000000", Run: record("second")},
			{Version: "20260901000000", Run: record("third")},
		}

		require.NoError(t, db.ApplyGoMigrations(ctx, dbh, migrations))
		require.NoError(t, db.ApplyGoMigrations(ctx, dbh, migrations))
		require.Equal(t, []string{"first", "second", "third"}, order)
		require.Equal(t, 1, countApplied(t, dbh, "20260815000000"))
	})

	t.Run("failure stops and is retried", func(t *testing.T) {
		dbh := openTestDB(t, 20260901000000)
		attempts, secondCalled := 0, false
		migrations := []db.GoMigration{
			{Version: "20260801000000", Run: func(context.Context, *sql.DB) error {
				attempts++
				if attempts == 1 {
					return errors.New("boom")
				}
				return nil
			}},
			{Version: "20260901000000", Run: func(context.Context, *sql.DB) error {
				secondCalled = true
				return nil
			}},
		}

		err := db.ApplyGoMigrations(ctx, dbh, migrations)
		require.ErrorContains(t, err, "boom")
		require.False(t, secondCalled)
		require.Zero(t, countApplied(t, dbh, "20260801000000"))

		require.NoError(t, db.ApplyGoMigrations(ctx, dbh, migrations))
		require.Equal(t, 2, attempts)
		require.True(t, secondCalled)
		require.Equal(t, 1, countApplied(t, dbh, "20260801000000"))
	})

	t.Run("invalid migrations", func(t *testing.T) {
		testCases := []struct {
			name       string
			migrations []db.GoMigration
			expected   string
		}{
			{"empty version", []db.GoMigration{{Run: noop}}, "empty version"},
			{"non numeric version", []db.GoMigration{{Version: "v1", Run: noop}}, "invalid version"},
			{
				"duplicated version",
				[]db.GoMigration{{Version: "20260801000000", Run: noop}, {Version: "20260801000000", Run: noop}},
				"duplicate go migration version",
			},
			{"ahead of schema", []db.GoMigration{{Version: "20261001000000", Run: noop}}, "ahead of schema version"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				dbh := openTestDB(t, 20260901000000)
				err := db.ApplyGoMigrations(ctx, dbh, tc.migrations)
				require.ErrorContains(t, err, tc.expected)
			})
		}
	})
}

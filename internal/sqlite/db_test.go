package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(":memory:")
	require.NoError(t, err, "failed to create test database")

	err = db.RunMigrations()
	require.NoError(t, err, "failed to run migrations")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// newFileDB opens a migrated database file with a real connection pool.
func newFileDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "tripsync.db"))
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// TestMigrations verifies that migrations run successfully
func TestMigrations(t *testing.T) {
	db := NewTestDB(t)

	// Verify all tables were created
	tables := []string{
		"snapshots",
		"snapshot_generations",
		"generation_sessions",
		"reasoning_steps",
		"error_reports",
		"api_keys",
	}

	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err, "failed to query table %s", table)
		require.Equal(t, 1, count, "table %s not found", table)
	}
}

// TestMigrationsIdempotent verifies migrations can run on an existing schema
func TestMigrationsIdempotent(t *testing.T) {
	db := NewTestDB(t)
	require.NoError(t, db.RunMigrations())
}

// TestForeignKeys verifies that foreign key constraints are enabled
func TestForeignKeys(t *testing.T) {
	db := NewTestDB(t)

	var enabled int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	require.NoError(t, err)
	require.Equal(t, 1, enabled, "foreign keys not enabled")
}

// TestGenerationSessionsTable verifies the session table constraints
func TestGenerationSessionsTable(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO generation_sessions (id, user_id, variant, status, started_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		"g1", "u1", "schedule", "running")
	require.NoError(t, err)

	// Test variant constraint - should fail with unknown variant
	_, err = db.ExecContext(ctx,
		`INSERT INTO generation_sessions (id, user_id, variant, status, started_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		"g2", "u1", "poetry", "running")
	require.Error(t, err, "should fail with invalid variant")

	// Test foreign key constraint - steps require a session
	_, err = db.ExecContext(ctx,
		`INSERT INTO reasoning_steps (session_id, step_index, title, description) VALUES (?, ?, ?, ?)`,
		"missing", 0, "t", "d")
	require.Error(t, err, "should fail with invalid session_id")
}

// TestPragmasOnEveryConnection verifies pooled connections share the settings
func TestPragmasOnEveryConnection(t *testing.T) {
	db := newFileDB(t)
	ctx := context.Background()

	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		var timeout, fk int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.Equal(t, 5000, timeout)
		require.Equal(t, 1, fk)
	}
	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
}

func TestWithPragmas(t *testing.T) {
	require.Equal(t,
		":memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		withPragmas(":memory:"))
	require.Contains(t, withPragmas("data/tripsync.db"), "?_pragma=foreign_keys(1)")
	require.Contains(t, withPragmas("data/tripsync.db"), "_pragma=journal_mode(WAL)")
	require.Contains(t, withPragmas("file:x.db?cache=shared"), "cache=shared&_pragma=")
}

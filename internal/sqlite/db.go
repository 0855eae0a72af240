package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New creates a new SQLite database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per connection
	if isMemory(dataSourceName) {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db}, nil
}

// withPragmas adds connection settings to the DSN so every pooled connection
// gets them. Transactions start IMMEDIATE so a read never has to upgrade to a
// write lock mid-transaction.
func withPragmas(dsn string) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !isMemory(dsn) {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}

// RunMigrations creates the schema. Statements are idempotent so it is safe
// to run on every start.
func (db *DB) RunMigrations() error {
	migration := `
-- Cached snapshots, one row per cache key
CREATE TABLE IF NOT EXISTS snapshots (
    cache_key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    ttl_ms INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    stored_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_snapshot_expiry ON snapshots(expires_at);

-- Invalidation generations per cache key
CREATE TABLE IF NOT EXISTS snapshot_generations (
    cache_key TEXT PRIMARY KEY,
    generation INTEGER NOT NULL DEFAULT 0
);

-- Generation session journal
CREATE TABLE IF NOT EXISTS generation_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    variant TEXT NOT NULL CHECK(variant IN ('schedule', 'chat')),
    input TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'cancelled')),
    step_count INTEGER NOT NULL DEFAULT 0,
    schedule_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_user_generations ON generation_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_generation_started ON generation_sessions(started_at);

-- Reasoning steps in arrival order
CREATE TABLE IF NOT EXISTS reasoning_steps (
    session_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (session_id, step_index),
    FOREIGN KEY (session_id) REFERENCES generation_sessions(id) ON DELETE CASCADE
);

-- Client error reports
CREATE TABLE IF NOT EXISTS error_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT,
    email TEXT,
    error TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_error_reports_created ON error_reports(created_at);

-- API keys for authentication
CREATE TABLE IF NOT EXISTS api_keys (
    key_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_used TIMESTAMP,
    description TEXT
);
CREATE INDEX IF NOT EXISTS idx_user_keys ON api_keys(user_id);
`

	_, err := db.Exec(migration)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

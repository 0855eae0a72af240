package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/tripsync/internal/domain/snapshot"
)

// SnapshotStore implements snapshot.Store for SQLite
type SnapshotStore struct {
	db *DB
}

// NewSnapshotStore creates a new SnapshotStore
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Get returns the entry for key, or nil when absent
func (s *SnapshotStore) Get(ctx context.Context, key string) (*snapshot.Entry, error) {
	var (
		value     []byte
		tags      string
		ttlMillis int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, tags, ttl_ms, expires_at FROM snapshots WHERE cache_key = ?`,
		key,
	).Scan(&value, &tags, &ttlMillis, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	entry := &snapshot.Entry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.UnixMilli(expiresAt),
		TTL:       time.Duration(ttlMillis) * time.Millisecond,
	}
	if tags != "" {
		entry.Tags = strings.Split(tags, ",")
	}
	return entry, nil
}

// Put stores the entry if generation is still current
func (s *SnapshotStore) Put(ctx context.Context, entry snapshot.Entry, generation uint64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := generationTx(ctx, tx, entry.Key)
	if err != nil {
		return false, err
	}
	if current != generation {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (cache_key, value, tags, ttl_ms, expires_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			tags = excluded.tags,
			ttl_ms = excluded.ttl_ms,
			expires_at = excluded.expires_at,
			stored_at = excluded.stored_at
	`,
		entry.Key,
		entry.Value,
		strings.Join(entry.Tags, ","),
		entry.TTL.Milliseconds(),
		entry.ExpiresAt.UnixMilli(),
		time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return true, nil
}

// Invalidate deletes the entry and increments its generation
func (s *SnapshotStore) Invalidate(ctx context.Context, key string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE cache_key = ?`, key); err != nil {
		return 0, fmt.Errorf("failed to delete snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_generations (cache_key, generation) VALUES (?, 1)
		ON CONFLICT(cache_key) DO UPDATE SET generation = generation + 1
	`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}

	generation, err := generationTx(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit invalidation: %w", err)
	}
	return generation, nil
}

// Generation returns the key's current generation
func (s *SnapshotStore) Generation(ctx context.Context, key string) (uint64, error) {
	var generation int64
	err := s.db.QueryRowContext(ctx,
		`SELECT generation FROM snapshot_generations WHERE cache_key = ?`, key,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return uint64(generation), nil
}

// PurgeExpired deletes entries that expired before now and returns how many
func (s *SnapshotStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return result.RowsAffected()
}

func generationTx(ctx context.Context, tx *sql.Tx, key string) (uint64, error) {
	var generation int64
	err := tx.QueryRowContext(ctx,
		`SELECT generation FROM snapshot_generations WHERE cache_key = ?`, key,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return uint64(generation), nil
}

package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/tripsync/internal/repository"
)

// UserResolver maps bearer tokens to user ids through the api_keys table
type UserResolver struct {
	db *DB
}

// NewUserResolver creates a new UserResolver
func NewUserResolver(db *DB) *UserResolver {
	return &UserResolver{db: db}
}

// ResolveUser returns the user owning token
func (r *UserResolver) ResolveUser(ctx context.Context, token string) (string, error) {
	hash := HashToken(token)
	var userID string
	err := r.db.QueryRowContext(ctx, `SELECT user_id FROM api_keys WHERE key_hash = ?`, hash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && userID == "") {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE key_hash = ?`, time.Now(), hash); err != nil {
		return "", fmt.Errorf("failed to touch api key: %w", err)
	}
	return userID, nil
}

// IssueKey creates a random token for userID and stores its hash. The token
// itself is only returned here.
func (r *UserResolver) IssueKey(ctx context.Context, userID, description string) (string, error) {
	if userID == "" {
		return "", repository.ErrInvalidInput
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := r.AddKey(ctx, token, userID, description); err != nil {
		return "", err
	}
	return token, nil
}

// AddKey stores the hash of a known token for userID
func (r *UserResolver) AddKey(ctx context.Context, token, userID, description string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, user_id, created_at, description) VALUES (?, ?, ?, ?)`,
		HashToken(token), userID, time.Now(), nullString(description),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

// HashToken returns the hex sha256 of token as stored in api_keys
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

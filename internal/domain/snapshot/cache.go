package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rpggio/tripsync/internal/domain/schedule"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot is served before a read goes back to the backend.
const DefaultTTL = 120 * time.Second

const (
	keyPrefix = "graph-state-"
	tagPrefix = "user-"
)

// Key returns the cache key for a user.
func Key(userID string) string { return keyPrefix + userID }

// Tag returns the invalidation tag for a user.
func Tag(userID string) string { return tagPrefix + userID }

// Options configures a Cache.
type Options struct {
	TTL    time.Duration
	Clock  Clock
	Logger *slog.Logger
}

// Stats counts cache outcomes since start.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	FetchFailures int64 `json:"fetch_failures"`
	StaleDiscards int64 `json:"stale_discards"`
	Invalidations int64 `json:"invalidations"`
}

// Cache is a read-through, per-user snapshot cache.
type Cache struct {
	store   Store
	fetcher Fetcher
	ttl     time.Duration
	clock   Clock
	logger  *slog.Logger
	flights singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	fetchFailures atomic.Int64
	staleDiscards atomic.Int64
	invalidations atomic.Int64
}

// NewCache creates a cache over store that fills misses from fetcher.
func NewCache(store Store, fetcher Fetcher, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		store:   store,
		fetcher: fetcher,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// Read returns the user's snapshot. A nil state with a nil error means the
// backend had no snapshot or could not be reached.
func (c *Cache) Read(ctx context.Context, userID string) (*schedule.GraphState, error) {
	raw, err := c.ReadRaw(ctx, userID)
	if err != nil || raw == nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var state schedule.GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		c.logger.Warn("snapshot decode failed", "user_id", userID, "error", err)
		return nil, nil
	}
	return &state, nil
}

// ReadRaw returns the snapshot JSON as the backend produced it.
func (c *Cache) ReadRaw(ctx context.Context, userID string) ([]byte, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	key := Key(userID)

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("snapshot store read failed", "key", key, "error", err)
	} else if entry != nil && c.clock.Now().Before(entry.ExpiresAt) {
		c.hits.Add(1)
		return entry.Value, nil
	}
	c.misses.Add(1)

	generation, err := c.store.Generation(ctx, key)
	if err != nil {
		c.logger.Warn("snapshot generation read failed", "key", key, "error", err)
		return c.fetchUncached(ctx, userID)
	}

	flight := fmt.Sprintf("%s@%d", key, generation)
	value, err, _ := c.flights.Do(flight, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), userID, key, generation)
	})
	if err != nil {
		c.fetchFailures.Add(1)
		c.logger.Warn("snapshot fetch failed", "user_id", userID, "error", err)
		return nil, nil
	}
	return value.([]byte), nil
}

func (c *Cache) fill(ctx context.Context, userID, key string, generation uint64) ([]byte, error) {
	data, err := c.fetcher.FetchGraphState(ctx, userID)
	if err != nil {
		return nil, err
	}

	stored, err := c.store.Put(ctx, Entry{
		Key:       key,
		Value:     data,
		ExpiresAt: c.clock.Now().Add(c.ttl),
		TTL:       c.ttl,
		Tags:      []string{Tag(userID)},
	}, generation)
	switch {
	case err != nil:
		c.logger.Warn("snapshot store write failed", "key", key, "error", err)
	case !stored:
		c.staleDiscards.Add(1)
		c.logger.Debug("snapshot fill discarded after invalidation", "key", key, "generation", generation)
	}
	return data, nil
}

func (c *Cache) fetchUncached(ctx context.Context, userID string) ([]byte, error) {
	data, err := c.fetcher.FetchGraphState(ctx, userID)
	if err != nil {
		c.fetchFailures.Add(1)
		c.logger.Warn("snapshot fetch failed", "user_id", userID, "error", err)
		return nil, nil
	}
	return data, nil
}

// Invalidate drops the user's snapshot. It returns only after the store has
// committed the new generation.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	key := Key(userID)
	generation, err := c.store.Invalidate(ctx, key)
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", key, err)
	}
	c.invalidations.Add(1)
	c.logger.Debug("snapshot invalidated", "key", key, "generation", generation)
	return nil
}

// InvalidateTag drops every snapshot carrying tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) error {
	userID, ok := strings.CutPrefix(tag, tagPrefix)
	if !ok || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return c.Invalidate(ctx, userID)
}

// Refresh invalidates and immediately repopulates the user's snapshot.
func (c *Cache) Refresh(ctx context.Context, userID string) (*schedule.GraphState, error) {
	if err := c.Invalidate(ctx, userID); err != nil {
		return nil, err
	}
	return c.Read(ctx, userID)
}

// Stats returns a point-in-time copy of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		FetchFailures: c.fetchFailures.Load(),
		StaleDiscards: c.staleDiscards.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

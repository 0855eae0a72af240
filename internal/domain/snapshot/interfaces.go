package snapshot

import (
	"context"
	"time"
)

// Entry is one cached snapshot. Value holds the backend's GraphState JSON verbatim.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	TTL       time.Duration
	Tags      []string
}

// Store persists entries together with a per-key generation counter.
// Generations only move forward; Invalidate advances them.
type Store interface {
	// Get returns the entry for key, or nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores the entry only if generation still equals the key's current
	// generation. It reports whether the entry was stored.
	Put(ctx context.Context, entry Entry, generation uint64) (bool, error)
	// Invalidate removes the entry and returns the new generation.
	Invalidate(ctx context.Context, key string) (uint64, error)
	// Generation returns the key's current generation.
	Generation(ctx context.Context, key string) (uint64, error)
}

// Fetcher loads the authoritative snapshot from the generation backend.
type Fetcher interface {
	FetchGraphState(ctx context.Context, userID string) ([]byte, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

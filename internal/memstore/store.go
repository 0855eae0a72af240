// Package memstore keeps snapshot entries in process memory with LRU eviction.
// It suits single-instance deployments; entries are lost on restart.
package memstore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rpggio/tripsync/internal/domain/snapshot"
)

// DefaultMaxEntries bounds the store when no limit is given.
const DefaultMaxEntries = 10000

// slot tracks one key. entry is nil after an invalidation until the next fill.
type slot struct {
	entry      *snapshot.Entry
	generation uint64
}

// Store implements snapshot.Store. Entries and generation counters share one
// LRU bound. Generations come from a store-wide clock; a key whose slot was
// evicted reads as floor, the clock value at the latest eviction, so a fill
// that started before the eviction can never match again.
type Store struct {
	mu        sync.Mutex
	slots     *lru.Cache[string, *slot]
	clock     uint64
	floor     uint64
	entries   int
	evictions int64
}

// New creates a store tracking at most maxEntries keys.
func New(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{}
	// onEvict runs inside Add, with mu already held.
	slots, err := lru.NewWithEvict(maxEntries, func(_ string, evicted *slot) {
		s.floor = s.clock
		if evicted.entry != nil {
			s.entries--
			s.evictions++
		}
	})
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	s.slots = slots
	return s
}

// Get returns a copy of the entry for key.
func (s *Store) Get(_ context.Context, key string) (*snapshot.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots.Get(key)
	if !ok || sl.entry == nil {
		return nil, nil
	}
	entry := copyEntry(*sl.entry)
	return &entry, nil
}

// Put stores entry if generation is current.
func (s *Store) Put(_ context.Context, entry snapshot.Entry, generation uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generationLocked(entry.Key) != generation {
		return false, nil
	}
	stored := copyEntry(entry)
	if sl, ok := s.slots.Get(entry.Key); ok {
		if sl.entry == nil {
			s.entries++
		}
		sl.entry = &stored
		return true, nil
	}
	s.entries++
	s.slots.Add(entry.Key, &slot{entry: &stored, generation: generation})
	return true, nil
}

// Invalidate removes the entry and advances the generation.
func (s *Store) Invalidate(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	if sl, ok := s.slots.Get(key); ok {
		if sl.entry != nil {
			s.entries--
		}
		sl.entry = nil
		sl.generation = s.clock
		return s.clock, nil
	}
	s.slots.Add(key, &slot{generation: s.clock})
	return s.clock, nil
}

// Generation returns the current generation for key.
func (s *Store) Generation(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generationLocked(key), nil
}

func (s *Store) generationLocked(key string) uint64 {
	if sl, ok := s.slots.Peek(key); ok {
		return sl.generation
	}
	return s.floor
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// Tracked returns how many keys hold an entry or a generation counter.
func (s *Store) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots.Len()
}

// Evictions returns how many entries were dropped to respect the size limit.
func (s *Store) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

func copyEntry(entry snapshot.Entry) snapshot.Entry {
	out := entry
	out.Value = append([]byte(nil), entry.Value...)
	out.Tags = append([]string(nil), entry.Tags...)
	return out
}

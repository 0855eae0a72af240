// Package redisstore shares snapshot entries between gateway instances through Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rpggio/tripsync/internal/domain/snapshot"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "tripsync:"

// putIfCurrent writes the entry only while the generation key still holds ARGV[1].
var putIfCurrent = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if not current then
  current = '0'
end
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type envelope struct {
	Value     []byte   `json:"value"`
	ExpiresAt int64    `json:"expires_at"`
	TTLMillis int64    `json:"ttl_ms"`
	Tags      []string `json:"tags,omitempty"`
}

// Store implements snapshot.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open parses a redis:// URL and verifies the server answers.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *Store) entryKey(key string) string { return s.prefix + key }
func (s *Store) genKey(key string) string   { return s.prefix + key + ":gen" }

// Get returns the entry for key, or nil when absent or expired in Redis.
func (s *Store) Get(ctx context.Context, key string) (*snapshot.Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &snapshot.Entry{
		Key:       key,
		Value:     env.Value,
		ExpiresAt: time.UnixMilli(env.ExpiresAt),
		TTL:       time.Duration(env.TTLMillis) * time.Millisecond,
		Tags:      env.Tags,
	}, nil
}

// Put stores entry atomically against the generation counter.
func (s *Store) Put(ctx context.Context, entry snapshot.Entry, generation uint64) (bool, error) {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = time.Until(entry.ExpiresAt)
	}
	if ttl < time.Millisecond {
		return false, nil
	}

	payload, err := json.Marshal(envelope{
		Value:     entry.Value,
		ExpiresAt: entry.ExpiresAt.UnixMilli(),
		TTLMillis: ttl.Milliseconds(),
		Tags:      entry.Tags,
	})
	if err != nil {
		return false, fmt.Errorf("encode entry %s: %w", entry.Key, err)
	}

	stored, err := putIfCurrent.Run(ctx, s.client,
		[]string{s.entryKey(entry.Key), s.genKey(entry.Key)},
		strconv.FormatUint(generation, 10), payload, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis put %s: %w", entry.Key, err)
	}
	return stored == 1, nil
}

// Invalidate deletes the entry and increments the generation in one transaction.
func (s *Store) Invalidate(ctx context.Context, key string) (uint64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		incr = pipe.Incr(ctx, s.genKey(key))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis invalidate %s: %w", key, err)
	}
	return uint64(incr.Val()), nil
}

// Generation returns the stored counter, zero when unset.
func (s *Store) Generation(ctx context.Context, key string) (uint64, error) {
	value, err := s.client.Get(ctx, s.genKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis generation %s: %w", key, err)
	}
	return value, nil
}

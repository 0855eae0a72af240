package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rpggio/tripsync/internal/domain/snapshot"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ""), server
}

func testEntry(key, value string) snapshot.Entry {
	return snapshot.Entry{
		Key:       key,
		Value:     []byte(value),
		ExpiresAt: time.Now().Add(2 * time.Minute),
		TTL:       2 * time.Minute,
		Tags:      []string{"user-1"},
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t)

	got, err := store.Get(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Nil(t, got)

	ok, err := store.Put(ctx, testEntry("graph-state-1", `{"user_id":"1"}`), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, server.Exists("tripsync:graph-state-1"))

	got, err = store.Get(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Equal(t, `{"user_id":"1"}`, string(got.Value))
	require.Equal(t, []string{"user-1"}, got.Tags)
	require.Equal(t, 2*time.Minute, got.TTL)
}

func TestStore_InvalidateAdvancesGeneration(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Put(ctx, testEntry("graph-state-1", "v1"), 0)
	require.NoError(t, err)

	gen, err := store.Invalidate(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)

	got, err := store.Get(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Nil(t, got)

	current, err := store.Generation(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), current)

	ok, err := store.Put(ctx, testEntry("graph-state-1", "stale"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Put(ctx, testEntry("graph-state-1", "fresh"), 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_EntryExpiresInRedis(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t)

	_, err := store.Put(ctx, testEntry("graph-state-1", "v1"), 0)
	require.NoError(t, err)

	server.FastForward(3 * time.Minute)

	got, err := store.Get(ctx, "graph-state-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_ServerDown(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t)
	server.Close()

	_, err := store.Get(ctx, "graph-state-1")
	require.Error(t, err)
	_, err = store.Invalidate(ctx, "graph-state-1")
	require.Error(t, err)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url")
	require.Error(t, err)
}

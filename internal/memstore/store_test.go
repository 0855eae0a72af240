package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rpggio/tripsync/internal/domain/snapshot"
	"github.com/stretchr/testify/require"
)

func entry(key, value string) snapshot.Entry {
	return snapshot.Entry{
		Key:       key,
		Value:     []byte(value),
		ExpiresAt: time.Now().Add(time.Minute),
		Tags:      []string{"user-" + key},
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store := New(0)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, got)

	ok, err := store.Put(ctx, entry("a", `{"x":1}`), 0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(got.Value))

	got.Value[0] = 'X'
	again, _ := store.Get(ctx, "a")
	require.Equal(t, `{"x":1}`, string(again.Value))
}

func TestStore_InvalidateRejectsOlderGeneration(t *testing.T) {
	ctx := context.Background()
	store := New(0)

	gen, err := store.Generation(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, uint64(0), gen)

	next, err := store.Invalidate(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	ok, err := store.Put(ctx, entry("a", "stale"), gen)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())

	ok, err = store.Put(ctx, entry("a", "fresh"), next)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	store := New(2)

	_, _ = store.Put(ctx, entry("a", "1"), 0)
	_, _ = store.Put(ctx, entry("b", "2"), 0)
	_, _ = store.Get(ctx, "a")
	_, _ = store.Put(ctx, entry("c", "3"), 0)

	require.Equal(t, 2, store.Len())
	require.Equal(t, int64(1), store.Evictions())

	b, _ := store.Get(ctx, "b")
	require.Nil(t, b, "least recently used entry should be evicted")
	a, _ := store.Get(ctx, "a")
	require.NotNil(t, a)
}

func TestStore_GenerationsBounded(t *testing.T) {
	ctx := context.Background()
	store := New(10)

	for i := 0; i < 100; i++ {
		_, err := store.Invalidate(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 10, store.Tracked())
	require.Equal(t, 0, store.Len())
	require.Zero(t, store.Evictions())
}

func TestStore_EvictedKeyRejectsStaleFill(t *testing.T) {
	ctx := context.Background()
	store := New(2)

	before, err := store.Generation(ctx, "a")
	require.NoError(t, err)
	invalidated, err := store.Invalidate(ctx, "a")
	require.NoError(t, err)

	_, _ = store.Invalidate(ctx, "b")
	_, _ = store.Invalidate(ctx, "c")
	require.Equal(t, 2, store.Tracked())

	// The counter for a is gone, but neither earlier generation matches.
	for _, gen := range []uint64{before, invalidated} {
		ok, err := store.Put(ctx, entry("a", "stale"), gen)
		require.NoError(t, err)
		require.False(t, ok)
	}

	current, err := store.Generation(ctx, "a")
	require.NoError(t, err)
	require.Greater(t, current, invalidated)
	ok, err := store.Put(ctx, entry("a", "fresh"), current)
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := store.Get(ctx, "a")
	require.Equal(t, "fresh", string(got.Value))
}

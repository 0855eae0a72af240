package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/tripsync/internal/domain/snapshot"
	"github.com/rpggio/tripsync/internal/memstore"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls atomic.Int64
	data  map[string]string
	err   error
	gate  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{data: make(map[string]string)}
}

func (f *fakeFetcher) set(userID, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[userID] = value
}

func (f *fakeFetcher) FetchGraphState(_ context.Context, userID string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.data[userID]
	if !ok {
		return []byte("null"), nil
	}
	return []byte(value), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const stateV1 = `{"user_id":"u1","schedule_list":[{"id":1,"activity_type":"meal","time":{"start_time":"2024-05-01T12:00:00"},"location":"Osteria","title":"Lunch"}]}`
const stateV2 = `{"user_id":"u1","schedule_list":[{"id":1,"activity_type":"meal","time":{"start_time":"2024-05-01T13:00:00"},"location":"Osteria","title":"Late lunch"}]}`

func TestCache_ReadMissThenHit(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{})

	state, err := cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Len(t, state.ScheduleList, 1)
	require.Equal(t, "Lunch", state.ScheduleList[0].Title)

	_, err = cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), fetcher.calls.Load())

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{Clock: clock})

	_, err := cache.Read(ctx, "u1")
	require.NoError(t, err)

	clock.Advance(snapshot.DefaultTTL - time.Second)
	_, err = cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), fetcher.calls.Load())

	fetcher.set("u1", stateV2)
	clock.Advance(2 * time.Second)
	state, err := cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Late lunch", state.ScheduleList[0].Title)
	require.Equal(t, int64(2), fetcher.calls.Load())
}

func TestCache_ReadAfterInvalidateSeesNewData(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{})

	_, err := cache.Read(ctx, "u1")
	require.NoError(t, err)

	fetcher.set("u1", stateV2)
	require.NoError(t, cache.Invalidate(ctx, "u1"))

	state, err := cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Late lunch", state.ScheduleList[0].Title)
	require.Equal(t, int64(1), cache.Stats().Invalidations)
}

func TestCache_FillStartedBeforeInvalidateIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(0)
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	fetcher.gate = make(chan struct{})
	cache := snapshot.NewCache(store, fetcher, snapshot.Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Read(ctx, "u1")
	}()

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, cache.Invalidate(ctx, "u1"))
	close(fetcher.gate)
	<-done

	require.Equal(t, 0, store.Len())
	require.Equal(t, int64(1), cache.Stats().StaleDiscards)

	fetcher.gate = nil
	fetcher.set("u1", stateV2)
	state, err := cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Late lunch", state.ScheduleList[0].Title)
}

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	fetcher.gate = make(chan struct{})
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{})

	const readers = 8
	var wg sync.WaitGroup
	results := make([]int, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state, err := cache.Read(ctx, "u1")
			if err == nil && state != nil {
				results[i] = len(state.ScheduleList)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	require.Equal(t, int64(1), fetcher.calls.Load())
	for _, n := range results {
		require.Equal(t, 1, n)
	}
}

func TestCache_FetchFailureYieldsNoSnapshot(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.err = errors.New("connection refused")
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{})

	state, err := cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, state)
	require.Equal(t, int64(1), cache.Stats().FetchFailures)
}

func TestCache_NullSnapshot(t *testing.T) {
	cache := snapshot.NewCache(memstore.New(0), newFakeFetcher(), snapshot.Options{})

	state, err := cache.Read(context.Background(), "nobody")
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestCache_InvalidateTag(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("u1", stateV1)
	cache := snapshot.NewCache(memstore.New(0), fetcher, snapshot.Options{})

	_, err := cache.Read(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, cache.InvalidateTag(ctx, snapshot.Tag("u1")))
	_, err = cache.Read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), fetcher.calls.Load())

	err = cache.InvalidateTag(ctx, "project-7")
	require.ErrorIs(t, err, snapshot.ErrUnknownTag)
}

func TestCache_MissingUser(t *testing.T) {
	cache := snapshot.NewCache(memstore.New(0), newFakeFetcher(), snapshot.Options{})

	_, err := cache.Read(context.Background(), " ")
	require.ErrorIs(t, err, snapshot.ErrMissingUser)
	require.ErrorIs(t, cache.Invalidate(context.Background(), ""), snapshot.ErrMissingUser)
}

func TestKeyAndTag(t *testing.T) {
	require.Equal(t, "graph-state-42", snapshot.Key("42"))
	require.Equal(t, "user-42", snapshot.Tag("42"))
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripbilling/internal/types"
)

// fakeRedis is an in-memory Client.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return redis.NewStringResult("", f.failErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return redis.NewStatusResult("", f.failErr)
	}
	f.data[key] = value.([]byte)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return redis.NewIntResult(0, f.failErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	c := NewSnapshotCache(rdb, 0, nil)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache must miss")

	sub := &types.Subscription{ID: "sub_1", UserID: "user_1", PlanCode: types.PlanAventurero, Status: types.StatusActive, Version: 4}
	require.NoError(t, c.Set(ctx, "user_1", sub))
	assert.Equal(t, DefaultTTL, rdb.ttls["tripbilling:snapshot:user_1"])

	got, ok, err := c.Get(ctx, "user_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "sub_1", got.ID)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, int64(4), got.Version)
}

func TestSnapshotCache_CachesAbsence(t *testing.T) {
	c := NewSnapshotCache(newFakeRedis(), time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user_1", nil))
	got, ok, err := c.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, got)
}

func TestSnapshotCache_Invalidate(t *testing.T) {
	c := NewSnapshotCache(newFakeRedis(), time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user_1", &types.Subscription{ID: "sub_1"}))
	require.NoError(t, c.Invalidate(ctx, "user_1"))
	require.NoError(t, c.Invalidate(ctx, "user_1"), "second delete is a no-op")

	_, ok, err := c.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotCache_CorruptEntryIsMiss(t *testing.T) {
	rdb := newFakeRedis()
	rdb.data["tripbilling:snapshot:user_1"] = []byte("{not json")
	c := NewSnapshotCache(rdb, time.Minute, nil)

	_, ok, err := c.Get(context.Background(), "user_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotCache_ErrorsPropagate(t *testing.T) {
	rdb := newFakeRedis()
	rdb.failErr = errors.New("connection refused")
	c := NewSnapshotCache(rdb, time.Minute, nil)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "user_1")
	assert.ErrorIs(t, err, rdb.failErr)
	assert.ErrorIs(t, c.Set(ctx, "user_1", nil), rdb.failErr)
	assert.ErrorIs(t, c.Invalidate(ctx, "user_1"), rdb.failErr)
}

package convert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstore/internal/testutil"
)

func runCacheTests(t *testing.T, cache Cache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "doc-1", []byte("%PDF-1")))
	pdf, ok, err := cache.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "%PDF-1", string(pdf))

	require.NoError(t, cache.Set(ctx, "doc-1", []byte("%PDF-2")))
	pdf, _, err = cache.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-2", string(pdf))
}

func TestMemoryCache(t *testing.T) {
	runCacheTests(t, NewMemoryCache(10, time.Hour))
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache(10, 30*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v")))

	assert.Eventually(t, func() bool {
		_, ok, _ := cache.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_Eviction(t *testing.T) {
	cache := NewMemoryCache(2, time.Hour)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, k, []byte(k)))
	}
	assert.Equal(t, 2, cache.Len())
	_, ok, _ := cache.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestRedisCache(t *testing.T) {
	rdb := testutil.StartRedis(t)
	runCacheTests(t, NewRedisCache(rdb, "test:", time.Hour))

	ttl, err := rdb.TTL(context.Background(), "test:convert:doc-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

package rediscache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/rediscache"
)

// testClient connects to the Redis named by REDIS_URL and skips when none is
// configured:
//
//	REDIS_URL=redis://localhost:6379/0 go test ./rediscache/
func testClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping Redis integration test")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

// testPrefix isolates each test run's keys in a shared Redis.
func testPrefix() rediscache.Option {
	return rediscache.WithPrefix("canopy-test:" + uuid.NewString()[:8] + ":")
}

func TestCacheRoundTrip(t *testing.T) {
	cache := rediscache.New(testClient(t), testPrefix())

	_, hit := cache.Get("alice", "f1")
	assert.False(t, hit)

	cache.Set("alice", "f1", canopy.LevelComment)
	lvl, hit := cache.Get("alice", "f1")
	require.True(t, hit)
	assert.Equal(t, canopy.LevelComment, lvl)

	// LevelNone is a cached answer, distinct from a miss.
	cache.Set("alice", "f2", canopy.LevelNone)
	lvl, hit = cache.Get("alice", "f2")
	require.True(t, hit)
	assert.Equal(t, canopy.LevelNone, lvl)
}

func TestCacheInvalidate(t *testing.T) {
	cache := rediscache.New(testClient(t), testPrefix())

	cache.Set("alice", "f1", canopy.LevelEdit)
	cache.Set("alice", "f2", canopy.LevelView)
	cache.Set("bob", "f1", canopy.LevelView)

	cache.Invalidate("alice", "f1")
	_, hit := cache.Get("alice", "f1")
	assert.False(t, hit)
	_, hit = cache.Get("alice", "f2")
	assert.True(t, hit, "other entries untouched")

	cache.InvalidateUser("alice")
	_, hit = cache.Get("alice", "f2")
	assert.False(t, hit)
	_, hit = cache.Get("bob", "f1")
	assert.True(t, hit, "other users untouched")
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := rediscache.New(testClient(t), testPrefix(),
		rediscache.WithTTL(time.Second))

	cache.Set("alice", "f1", canopy.LevelEdit)
	_, hit := cache.Get("alice", "f1")
	require.True(t, hit)

	time.Sleep(1500 * time.Millisecond)
	_, hit = cache.Get("alice", "f1")
	assert.False(t, hit)
}

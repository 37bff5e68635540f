package canopy_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canopyhq/canopy"
)

// fakeClock is a manually advanced Clock so expiry is deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLCacheHitAndExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := canopy.NewTTLCache(canopy.WithTTL(30*time.Second), canopy.WithClock(clock))

	cache.Set("u1", "f1", canopy.LevelComment)

	lvl, hit := cache.Get("u1", "f1")
	assert.True(t, hit)
	assert.Equal(t, canopy.LevelComment, lvl)

	clock.Advance(29 * time.Second)
	_, hit = cache.Get("u1", "f1")
	assert.True(t, hit, "entry should survive within TTL")

	clock.Advance(2 * time.Second)
	_, hit = cache.Get("u1", "f1")
	assert.False(t, hit, "entry should expire past TTL")
	assert.Equal(t, 0, cache.Size(), "expired entry should be removed on read")
}

func TestTTLCacheCachesNoAccess(t *testing.T) {
	cache := canopy.NewTTLCache(canopy.WithClock(newFakeClock()))

	cache.Set("u1", "f1", canopy.LevelNone)

	lvl, hit := cache.Get("u1", "f1")
	assert.True(t, hit, "LevelNone is a cacheable answer")
	assert.Equal(t, canopy.LevelNone, lvl)
}

func TestTTLCacheInvalidate(t *testing.T) {
	cache := canopy.NewTTLCache(canopy.WithClock(newFakeClock()))

	cache.Set("u1", "f1", canopy.LevelView)
	cache.Set("u1", "f2", canopy.LevelEdit)
	cache.Set("u2", "f1", canopy.LevelComment)

	cache.Invalidate("u1", "f1")
	_, hit := cache.Get("u1", "f1")
	assert.False(t, hit)
	_, hit = cache.Get("u1", "f2")
	assert.True(t, hit)

	// Invalidating an absent entry is a no-op, not an error.
	cache.Invalidate("u1", "f1")

	cache.InvalidateUser("u1")
	_, hit = cache.Get("u1", "f2")
	assert.False(t, hit)
	lvl, hit := cache.Get("u2", "f1")
	assert.True(t, hit, "other users' entries must survive")
	assert.Equal(t, canopy.LevelComment, lvl)
}

func TestTTLCacheZeroTTLDisables(t *testing.T) {
	cache := canopy.NewTTLCache(canopy.WithTTL(0))

	cache.Set("u1", "f1", canopy.LevelEdit)
	_, hit := cache.Get("u1", "f1")
	assert.False(t, hit)
	assert.Equal(t, 0, cache.Size())
}

func TestTTLCacheClear(t *testing.T) {
	cache := canopy.NewTTLCache()
	cache.Set("u1", "f1", canopy.LevelView)
	cache.Set("u2", "f2", canopy.LevelView)

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

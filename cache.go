package canopy

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds staleness for cache entries that miss an explicit
// invalidation. Call sites that mutate through the Coordinator are evicted
// eagerly; the TTL is the safety net for everything else.
const DefaultCacheTTL = 30 * time.Second

// Clock supplies the cache's notion of now. Injectable so tests drive TTL
// expiry deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// cacheKey uniquely identifies a resolution result. Exact-match only.
type resolutionKey struct {
	userID UserID
	fileID FileID
}

// resolutionEntry stores a resolved level. LevelNone entries are cached too:
// repeated checks against files a user cannot see must not turn into
// repeated table reads.
type resolutionEntry struct {
	level     Level
	expiresAt time.Time
}

// Cache stores resolved permission levels in front of the materialized
// table. Implementations must be safe for concurrent use.
//
// A cache is purely a performance layer: losing it, or missing an
// invalidation, costs at most one TTL window of staleness and never a wrong
// durable answer.
type Cache interface {
	// Get returns the cached level for (user, file) and whether a live
	// entry exists. A hit with LevelNone means cached no-access.
	Get(userID UserID, fileID FileID) (Level, bool)

	// Set stores a resolved level, including LevelNone for known misses.
	Set(userID UserID, fileID FileID, level Level)

	// Invalidate removes the entry for one (user, file) pair.
	Invalidate(userID UserID, fileID FileID)

	// InvalidateUser removes every entry belonging to the user.
	InvalidateUser(userID UserID)
}

// TTLCache is the default in-process Cache: a map behind a sync.RWMutex with
// per-entry expiry. Eviction is idempotent and commutative, so callers need
// no ordering between invalidations, only that each one happens after the
// store mutation it corresponds to.
//
// The cache is process-local. In a multi-process deployment each process has
// its own TTL clock and cross-process staleness is bounded by TTL only; use
// the rediscache backend when explicit invalidation must be shared.
type TTLCache struct {
	mu    sync.RWMutex
	items map[resolutionKey]resolutionEntry
	ttl   time.Duration
	clock Clock
}

// TTLCacheOption configures a TTLCache.
type TTLCacheOption func(*TTLCache)

// WithTTL overrides DefaultCacheTTL. A zero or negative TTL disables
// caching entirely: Set becomes a no-op rather than storing immortal
// entries.
func WithTTL(ttl time.Duration) TTLCacheOption {
	return func(c *TTLCache) {
		c.ttl = ttl
	}
}

// WithClock injects the time source used for expiry.
func WithClock(clock Clock) TTLCacheOption {
	return func(c *TTLCache) {
		c.clock = clock
	}
}

// NewTTLCache creates an in-process resolution cache with DefaultCacheTTL.
func NewTTLCache(opts ...TTLCacheOption) *TTLCache {
	c := &TTLCache{
		items: make(map[resolutionKey]resolutionEntry),
		ttl:   DefaultCacheTTL,
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached level for (user, file) if a live entry exists.
func (c *TTLCache) Get(userID UserID, fileID FileID) (Level, bool) {
	key := resolutionKey{userID: userID, fileID: fileID}

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return LevelNone, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a Set may have raced in.
		if cur, ok := c.items[key]; ok && cur == entry {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return LevelNone, false
	}
	return entry.level, true
}

// Set stores a resolved level for (user, file).
func (c *TTLCache) Set(userID UserID, fileID FileID, level Level) {
	if c.ttl <= 0 {
		return
	}
	key := resolutionKey{userID: userID, fileID: fileID}
	entry := resolutionEntry{level: level, expiresAt: c.clock.Now().Add(c.ttl)}

	c.mu.Lock()
	c.items[key] = entry
	c.mu.Unlock()
}

// Invalidate removes one entry.
func (c *TTLCache) Invalidate(userID UserID, fileID FileID) {
	c.mu.Lock()
	delete(c.items, resolutionKey{userID: userID, fileID: fileID})
	c.mu.Unlock()
}

// InvalidateUser removes every entry belonging to the user. Linear in the
// cache size; entries are short-lived so the map stays small in practice.
func (c *TTLCache) InvalidateUser(userID UserID) {
	c.mu.Lock()
	for key := range c.items {
		if key.userID == userID {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// Size returns the number of live and expired entries currently held.
// Useful for monitoring cache growth.
func (c *TTLCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.items = make(map[resolutionKey]resolutionEntry)
	c.mu.Unlock()
}

// Ensure TTLCache implements Cache.
var _ Cache = (*TTLCache)(nil)

// Package rediscache implements canopy's resolution cache over Redis.
//
// The in-process TTLCache bounds cross-process staleness by TTL only: each
// process has its own cache and explicit invalidations do not reach its
// peers. Backing the cache with Redis makes invalidation shared - a
// Coordinator eviction in one process is visible to every checker
// immediately - at the cost of a network hop per cache operation.
//
// Keys are laid out as <prefix>lvl:<user>:<file> with a per-user index set
// at <prefix>u:<user>, so InvalidateUser is one SMEMBERS plus one DEL rather
// than a keyspace scan.
package rediscache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopyhq/canopy"
)

// Cache implements canopy.Cache over a Redis client.
//
// Cache errors are deliberately swallowed: the resolution cache is a pure
// optimization, and a Redis outage must degrade to table reads, not to
// failed permission checks.
type Cache struct {
	c      *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix overrides the default "canopy:" key prefix. Use distinct
// prefixes when several environments share one Redis.
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithTTL overrides canopy.DefaultCacheTTL for entries in Redis.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New creates a Redis-backed resolution cache.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		c:      client,
		prefix: "canopy:",
		ttl:    canopy.DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached level for (user, file) if a live entry exists.
func (c *Cache) Get(userID canopy.UserID, fileID canopy.FileID) (canopy.Level, bool) {
	ctx := context.Background()

	val, err := c.c.Get(ctx, c.levelKey(userID, fileID)).Result()
	if err != nil {
		// redis.Nil is an ordinary miss; anything else degrades to one.
		return canopy.LevelNone, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return canopy.LevelNone, false
	}
	return canopy.Level(n), true
}

// Set stores a resolved level, including LevelNone for known misses.
func (c *Cache) Set(userID canopy.UserID, fileID canopy.FileID, level canopy.Level) {
	ctx := context.Background()
	idx := c.userKey(userID)

	pipe := c.c.Pipeline()
	pipe.Set(ctx, c.levelKey(userID, fileID), int(level), c.ttl)
	pipe.SAdd(ctx, idx, string(fileID))
	// The index outlives its entries slightly so late invalidations still
	// find them; it must not outlive them forever.
	pipe.Expire(ctx, idx, 2*c.ttl)
	_, _ = pipe.Exec(ctx)
}

// Invalidate removes the entry for one (user, file) pair.
func (c *Cache) Invalidate(userID canopy.UserID, fileID canopy.FileID) {
	ctx := context.Background()

	pipe := c.c.Pipeline()
	pipe.Del(ctx, c.levelKey(userID, fileID))
	pipe.SRem(ctx, c.userKey(userID), string(fileID))
	_, _ = pipe.Exec(ctx)
}

// InvalidateUser removes every entry belonging to the user.
func (c *Cache) InvalidateUser(userID canopy.UserID) {
	ctx := context.Background()
	idx := c.userKey(userID)

	fileIDs, err := c.c.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	keys := make([]string, 0, len(fileIDs)+1)
	for _, fid := range fileIDs {
		keys = append(keys, c.levelKey(userID, canopy.FileID(fid)))
	}
	keys = append(keys, idx)
	_ = c.c.Del(ctx, keys...).Err()
}

func (c *Cache) levelKey(userID canopy.UserID, fileID canopy.FileID) string {
	return c.prefix + "lvl:" + string(userID) + ":" + string(fileID)
}

func (c *Cache) userKey(userID canopy.UserID) string {
	return c.prefix + "u:" + string(userID)
}

// Ensure Cache implements canopy.Cache.
var _ canopy.Cache = (*Cache)(nil)

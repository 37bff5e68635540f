package canopy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultRebuildTimeout bounds a single background rebuild. A timed-out
// rebuild rolls back (ReplaceForUser is atomic) and is retried lazily by the
// next structural-miss read.
const DefaultRebuildTimeout = 30 * time.Second

// Coordinator is the single mutation surface of the permission core. Every
// entry point the application exposes - set permission, remove permission,
// move file, delete file, create file - calls one of these methods as its
// last synchronous step.
//
// Each mutation does its cache eviction synchronously and its rebuild in the
// background. The ordering is deliberate: if the rebuild later fails, the
// eviction has already happened, so readers fall through to the table (or to
// the Checker's lazy rebuild) instead of serving a stale cached allow. The
// system fails toward re-deriving from scratch, never toward wrong answers.
//
// Invalidation granularity is whole-user: evicting all of a user's cache
// entries is always safe and needs no descendant computation on the
// eviction path.
type Coordinator struct {
	store Store
	mat   *Materializer
	cache Cache

	timeout      time.Duration
	syncRebuilds bool
	wg           sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorCache attaches the resolution cache the Checker reads, so
// mutations can evict it. Without one, consistency is TTL-bounded only.
func WithCoordinatorCache(c Cache) CoordinatorOption {
	return func(co *Coordinator) {
		co.cache = c
	}
}

// WithRebuildTimeout bounds each background rebuild.
func WithRebuildTimeout(d time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// WithSyncRebuilds runs rebuilds inline instead of in the background, and
// surfaces their errors to the mutation caller. Intended for tests and for
// one-shot tooling where there is no process lifetime to defer into.
func WithSyncRebuilds() CoordinatorOption {
	return func(co *Coordinator) {
		co.syncRebuilds = true
	}
}

// NewCoordinator creates a coordinator. Pass the same Materializer the
// Checker uses; it is the per-user rebuild serialization domain.
func NewCoordinator(store Store, mat *Materializer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:   store,
		mat:     mat,
		timeout: DefaultRebuildTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetGrant upserts a grant and triggers invalidation. The file must exist;
// granting on an unknown file returns ErrNotFound (mutations on nonexistent
// files raise, unlike queries).
func (c *Coordinator) SetGrant(ctx context.Context, fileID FileID, userID UserID, level Level) (Grant, error) {
	if _, err := c.store.GetNode(ctx, fileID); err != nil {
		return Grant{}, err
	}

	g, err := c.store.SetGrant(ctx, fileID, userID, level)
	if err != nil {
		return Grant{}, err
	}

	c.evictUsers(userID)
	return g, c.schedule(fmt.Sprintf("rebuild after grant on %s", fileID), func(ctx context.Context) error {
		return c.mat.RebuildForUser(ctx, userID)
	})
}

// RemoveGrant revokes a grant and triggers invalidation. Idempotent with
// respect to the grant itself, but the file must exist.
func (c *Coordinator) RemoveGrant(ctx context.Context, fileID FileID, userID UserID) error {
	if _, err := c.store.GetNode(ctx, fileID); err != nil {
		return err
	}
	if err := c.store.RemoveGrant(ctx, fileID, userID); err != nil {
		return err
	}

	c.evictUsers(userID)
	return c.schedule(fmt.Sprintf("rebuild after revoke on %s", fileID), func(ctx context.Context) error {
		return c.mat.RebuildForUser(ctx, userID)
	})
}

// MoveFile reparents a node. Moves that would make the node its own
// descendant (or its own parent) are rejected with ErrInvalidMove before any
// mutation, leaving the hierarchy unchanged.
//
// The set of affected users is captured twice: before the move (everyone who
// could lose access through the old location) and after it (everyone who
// gains access through the new ancestor chain). Both sets are evicted
// synchronously; the materialized rows are then rebuilt in the background for
// everyone whose inherited access the new shape changes.
func (c *Coordinator) MoveFile(ctx context.Context, fileID FileID, newParentID FileID) error {
	if _, err := c.store.GetNode(ctx, fileID); err != nil {
		return err
	}
	if newParentID != "" {
		if fileID == newParentID {
			return fmt.Errorf("%w: cannot move %s under itself", ErrInvalidMove, fileID)
		}
		if _, err := c.store.GetNode(ctx, newParentID); err != nil {
			return err
		}
		cyclic, err := c.store.IsDescendantOf(ctx, newParentID, fileID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrInvalidMove, newParentID, fileID)
		}
	}

	affected, err := c.mat.AffectedUsers(ctx, fileID)
	if err != nil {
		return err
	}

	if err := c.store.MoveNode(ctx, fileID, newParentID); err != nil {
		return err
	}

	c.evictUsers(affected...)

	// Recompute after the move: grants on the new ancestor chain name users
	// who just gained inherited access, and their cached denials for the
	// subtree must not survive until the TTL.
	gainers, err := c.mat.AffectedUsers(ctx, fileID)
	if err != nil {
		return err
	}
	c.evictUsers(gainers...)

	return c.schedule(fmt.Sprintf("rebuild after move of %s", fileID), func(ctx context.Context) error {
		return c.mat.RebuildForFileHierarchy(ctx, fileID)
	})
}

// DeleteFile permanently deletes a node and its entire subtree, together
// with every grant and effective row referencing it. Eviction of the
// affected users happens after the rows are gone, so no reader can re-cache
// a deleted file's level from a stale row.
func (c *Coordinator) DeleteFile(ctx context.Context, fileID FileID) error {
	if _, err := c.store.GetNode(ctx, fileID); err != nil {
		return err
	}

	descendants, err := c.store.Descendants(ctx, fileID)
	if err != nil {
		return err
	}
	subtree := make([]FileID, 0, len(descendants)+1)
	subtree = append(subtree, fileID)
	for fid := range descendants {
		subtree = append(subtree, fid)
	}

	affected, err := c.store.UsersWithEffectiveOn(ctx, subtree)
	if err != nil {
		return err
	}

	if err := c.store.RemoveGrantsOn(ctx, subtree); err != nil {
		return err
	}
	if err := c.store.DeleteEffectiveOn(ctx, subtree); err != nil {
		return err
	}
	if err := c.store.DeleteSubtree(ctx, fileID); err != nil {
		return err
	}

	c.evictUsers(affected...)
	return nil
}

// CreateFile inserts a node. When any ancestor carries grants, the holders
// are rebuilt so the new child gets its inherited effective rows
// retroactively; a child created under an ungranted chain needs no rebuild
// at all.
func (c *Coordinator) CreateFile(ctx context.Context, node FileNode) (FileNode, error) {
	created, err := c.store.CreateNode(ctx, node)
	if err != nil {
		return FileNode{}, err
	}

	ancestors, err := c.store.Ancestors(ctx, created.ID)
	if err != nil {
		return FileNode{}, err
	}
	chain := make([]FileID, 0, len(ancestors))
	for _, a := range ancestors {
		chain = append(chain, a.ID)
	}
	grants, err := c.store.ListGrantsOn(ctx, chain)
	if err != nil {
		return FileNode{}, err
	}
	if len(grants) == 0 {
		return created, nil
	}

	holders := make(map[UserID]struct{}, len(grants))
	for _, g := range grants {
		holders[g.UserID] = struct{}{}
	}
	users := make([]UserID, 0, len(holders))
	for uid := range holders {
		users = append(users, uid)
	}

	c.evictUsers(users...)
	return created, c.schedule(fmt.Sprintf("rebuild after create of %s", created.ID), func(ctx context.Context) error {
		for _, uid := range users {
			if err := c.mat.RebuildForUser(ctx, uid); err != nil {
				return err
			}
		}
		return nil
	})
}

// Wait blocks until all in-flight background rebuilds finish. Call it in
// tests and on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// evictUsers drops every cache entry for the given users. Eviction is
// idempotent and commutative; it only needs to happen after the store
// mutation it corresponds to, which the call sites guarantee.
func (c *Coordinator) evictUsers(users ...UserID) {
	if c.cache == nil {
		return
	}
	for _, uid := range users {
		c.cache.InvalidateUser(uid)
	}
}

// schedule runs a rebuild step either inline (WithSyncRebuilds) or on a
// background goroutine bounded by the rebuild timeout. A failed background
// rebuild is logged and otherwise dropped: the eviction already happened, so
// readers re-derive lazily instead of seeing stale allows.
func (c *Coordinator) schedule(op string, fn func(context.Context) error) error {
	if c.syncRebuilds {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return fn(ctx)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[canopy] WARNING: %s: %v", op, err)
		}
	}()
	return nil
}

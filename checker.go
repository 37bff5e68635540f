package canopy

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Checker is the hot read path: "what level does this identity hold on this
// file". Resolution order is fixed and centralized here - admin bypass,
// decision overrides, cache, materialized table, lazy rebuild - so no call
// site ever re-implements a special case.
//
// Checkers are cheap and safe for concurrent use. Share one Materializer
// between the Checker and the Coordinator so per-user rebuild serialization
// holds across both.
type Checker struct {
	store              Store
	mat                *Materializer
	cache              Cache
	decision           Decision
	useContextDecision bool

	// rebuilds deduplicates concurrent lazy rebuilds per user: many
	// simultaneous structural misses for the same user trigger one rebuild
	// whose result they all share.
	rebuilds singleflight.Group
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCache puts a resolution cache in front of the materialized table.
// Without one, every check reads the table.
func WithCache(c Cache) CheckerOption {
	return func(ch *Checker) {
		ch.cache = c
	}
}

// WithDecision sets a construction-time override that bypasses storage.
func WithDecision(d Decision) CheckerOption {
	return func(ch *Checker) {
		ch.decision = d
	}
}

// WithContextDecision opts the Checker in to context-carried decisions.
// Precedence when enabled: context decision, then Checker decision, then
// normal resolution.
func WithContextDecision() CheckerOption {
	return func(ch *Checker) {
		ch.useContextDecision = true
	}
}

// NewChecker creates a checker over the given store and materializer.
func NewChecker(store Store, mat *Materializer, opts ...CheckerOption) *Checker {
	c := &Checker{
		store:    store,
		mat:      mat,
		decision: DecisionUnset,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the identity's effective level on the file. LevelNone with a
// nil error means no access - absence of permission is an answer, not an
// error.
//
// Admins resolve to LevelEdit unconditionally, before any storage is
// consulted, so the bypass also works for file IDs that do not exist.
//
// On a cache miss the materialized table is read. If the user has no rows at
// all but does hold grants, the table was never built (or a background
// rebuild failed after its eviction): a synchronous rebuild runs before
// answering, deduplicated across concurrent callers.
func (c *Checker) Check(ctx context.Context, id Identity, fileID FileID) (Level, error) {
	if id.IsAdmin() {
		return LevelEdit, nil
	}
	if lvl, overridden := c.overriddenLevel(ctx); overridden {
		return lvl, nil
	}

	if c.cache != nil {
		if lvl, hit := c.cache.Get(id.UserID, fileID); hit {
			return lvl, nil
		}
	}

	row, found, err := c.store.GetEffective(ctx, id.UserID, fileID)
	if err != nil {
		return LevelNone, err
	}
	if !found {
		rebuilt, err := c.lazyRebuild(ctx, id.UserID)
		if err != nil {
			return LevelNone, err
		}
		if rebuilt {
			row, found, err = c.store.GetEffective(ctx, id.UserID, fileID)
			if err != nil {
				return LevelNone, err
			}
		}
	}

	level := LevelNone
	if found {
		level = row.Level
	}
	if c.cache != nil {
		c.cache.Set(id.UserID, fileID, level)
	}
	return level, nil
}

// BatchCheck resolves the identity's level on every given file. Files the
// identity cannot see map to LevelNone; every input key is present in the
// result.
//
// The uncached subset is fetched with exactly one bulk table query, never one
// query per file, and all previously uncached entries are populated into the
// cache afterward.
func (c *Checker) BatchCheck(ctx context.Context, id Identity, fileIDs []FileID) (map[FileID]Level, error) {
	out := make(map[FileID]Level, len(fileIDs))

	if id.IsAdmin() {
		for _, fid := range fileIDs {
			out[fid] = LevelEdit
		}
		return out, nil
	}
	if lvl, overridden := c.overriddenLevel(ctx); overridden {
		for _, fid := range fileIDs {
			out[fid] = lvl
		}
		return out, nil
	}

	var uncached []FileID
	for _, fid := range fileIDs {
		if _, dup := out[fid]; dup {
			continue
		}
		if c.cache != nil {
			if lvl, hit := c.cache.Get(id.UserID, fid); hit {
				out[fid] = lvl
				continue
			}
		}
		out[fid] = LevelNone
		uncached = append(uncached, fid)
	}
	if len(uncached) == 0 {
		return out, nil
	}

	rows, err := c.store.BatchGetEffective(ctx, id.UserID, uncached)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rebuilt, err := c.lazyRebuild(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		if rebuilt {
			rows, err = c.store.BatchGetEffective(ctx, id.UserID, uncached)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, fid := range uncached {
		level := LevelNone
		if row, ok := rows[fid]; ok {
			level = row.Level
		}
		out[fid] = level
		if c.cache != nil {
			c.cache.Set(id.UserID, fid, level)
		}
	}
	return out, nil
}

// Require checks that the identity holds at least the required level,
// returning ErrForbidden on shortfall. Storage errors pass through
// unchanged; they are not denials.
func (c *Checker) Require(ctx context.Context, id Identity, fileID FileID, required Level) error {
	level, err := c.Check(ctx, id, fileID)
	if err != nil {
		return err
	}
	if !level.Satisfies(required) {
		return fmt.Errorf("%w: %s requires %s on %s, has %s", ErrForbidden, id.UserID, required, fileID, level)
	}
	return nil
}

// CanEdit reports whether the identity may modify the file.
func (c *Checker) CanEdit(ctx context.Context, id Identity, fileID FileID) (bool, error) {
	level, err := c.Check(ctx, id, fileID)
	if err != nil {
		return false, err
	}
	return level.Satisfies(LevelEdit), nil
}

// CanShare reports whether the identity may grant others access to the file.
// Sharing requires edit.
func (c *Checker) CanShare(ctx context.Context, id Identity, fileID FileID) (bool, error) {
	return c.CanEdit(ctx, id, fileID)
}

// overriddenLevel applies the decision layers. The bool reports whether an
// override is in effect.
func (c *Checker) overriddenLevel(ctx context.Context) (Level, bool) {
	if c.useContextDecision {
		if d := DecisionFromContext(ctx); d != DecisionUnset {
			return d.level(), true
		}
	}
	if c.decision != DecisionUnset {
		return c.decision.level(), true
	}
	return LevelNone, false
}

// lazyRebuild runs the structural-miss fallback: a user with zero
// materialized rows but a nonzero grant set gets an eager synchronous
// rebuild rather than a "no permission" answer. Returns whether a rebuild
// ran.
//
// This is also the recovery path after a failed background rebuild - the
// Coordinator's eviction already happened, so the next read lands here and
// re-derives from scratch.
func (c *Checker) lazyRebuild(ctx context.Context, userID UserID) (bool, error) {
	ran, err, _ := c.rebuilds.Do(string(userID), func() (any, error) {
		// The closure's result is shared by every concurrent caller, so it
		// must not die with the first one: detach from that caller's
		// cancellation.
		ctx := context.WithoutCancel(ctx)

		has, err := c.store.HasEffectiveRows(ctx, userID)
		if err != nil {
			return false, err
		}
		if has {
			return false, nil
		}
		grants, err := c.store.ListGrantsForUser(ctx, userID)
		if err != nil {
			return false, err
		}
		if len(grants) == 0 {
			return false, nil
		}
		if err := c.mat.RebuildForUser(ctx, userID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return ran.(bool), nil
}

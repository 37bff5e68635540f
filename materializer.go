package canopy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// defaultRebuildConcurrency caps how many per-user rebuilds a hierarchy-wide
// rebuild runs at once.
const defaultRebuildConcurrency = 8

// Materializer maintains the derived effective-permission table.
//
// Rebuilds are full replacements scoped to affected users, never incremental
// diffs: inheritance is a transitive closure, and patching it under
// concurrent moves and grant changes is a correctness minefield (a descendant
// set can change shape from two causes in the same instant). The tradeoff is
// rebuild cost proportional to grant count times subtree size, acceptable
// because grants are sparse relative to files.
//
// Rebuilds for the same user serialize on a per-user lock so two concurrent
// grant changes cannot interleave their delete-then-insert sequences.
// Rebuilds for distinct users proceed fully in parallel.
//
// A single Materializer must be shared by every component that rebuilds
// (Checker, Coordinator): the per-user serialization domain is the
// Materializer instance.
type Materializer struct {
	store Store

	mu    sync.Mutex
	users map[UserID]*sync.Mutex

	concurrency int
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithRebuildConcurrency caps parallel per-user rebuilds during
// RebuildForFileHierarchy. Values below one are ignored.
func WithRebuildConcurrency(n int) MaterializerOption {
	return func(m *Materializer) {
		if n >= 1 {
			m.concurrency = n
		}
	}
}

// NewMaterializer creates a materializer over the given store.
func NewMaterializer(store Store, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		store:       store,
		users:       make(map[UserID]*sync.Mutex),
		concurrency: defaultRebuildConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// userLock returns the mutex serializing rebuilds for one user. The lock map
// grows with the set of users ever rebuilt in this process; entries are a
// single mutex each, so growth is negligible next to the cache.
func (m *Materializer) userLock(userID UserID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.users[userID] = lock
	}
	return lock
}

// RebuildForUser recomputes every effective row for one user from scratch:
// load the user's grants, expand each over its descendant set, merge
// max-wins, and atomically replace the user's rows.
//
// Calling it twice with no intervening mutation produces identical rows.
// Failures wrap ErrRebuildFailed and leave the previous rows intact
// (ReplaceForUser is atomic).
func (m *Materializer) RebuildForUser(ctx context.Context, userID UserID) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rows, err := m.computeRows(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: computing rows for %s: %v", ErrRebuildFailed, userID, err)
	}
	if err := m.store.ReplaceForUser(ctx, userID, rows); err != nil {
		return fmt.Errorf("%w: replacing rows for %s: %v", ErrRebuildFailed, userID, err)
	}
	return nil
}

// effectiveCandidate tracks the winning grant for one file during a rebuild.
type effectiveCandidate struct {
	level    Level
	distance int
	source   FileID
}

// computeRows derives the user's full effective row set. Rows come back
// sorted by file ID so repeated rebuilds are byte-identical.
func (m *Materializer) computeRows(ctx context.Context, userID UserID) ([]EffectiveRow, error) {
	grants, err := m.store.ListGrantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	best := make(map[FileID]effectiveCandidate)
	for _, g := range grants {
		covered, err := m.coveredFiles(ctx, g.FileID)
		if err != nil {
			// A grant can outlive its file (revocation raced deletion);
			// such a grant covers nothing.
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}

		for fid, distance := range covered {
			cand := effectiveCandidate{level: g.Level, distance: distance, source: g.FileID}
			cur, exists := best[fid]
			if !exists || betterCandidate(cand, cur) {
				best[fid] = cand
			}
		}
	}

	rows := make([]EffectiveRow, 0, len(best))
	for fid, cand := range best {
		rows = append(rows, EffectiveRow{
			UserID:       userID,
			FileID:       fid,
			Level:        cand.level,
			IsDirect:     cand.distance == 0,
			SourceFileID: cand.source,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FileID < rows[j].FileID })
	return rows, nil
}

// coveredFiles returns the grant file itself plus every descendant, mapped
// to ancestor distance (the grant file is 0).
func (m *Materializer) coveredFiles(ctx context.Context, fileID FileID) (map[FileID]int, error) {
	descendants, err := m.store.Descendants(ctx, fileID)
	if err != nil {
		return nil, err
	}
	covered := make(map[FileID]int, len(descendants)+1)
	covered[fileID] = 0
	for fid, depth := range descendants {
		covered[fid] = depth
	}
	return covered, nil
}

// betterCandidate decides the max-wins merge. The level is a strict max;
// distance only breaks ties so that SourceFileID and IsDirect name the
// closest winning grant for audit display.
func betterCandidate(cand, cur effectiveCandidate) bool {
	if cand.level != cur.level {
		return cand.level > cur.level
	}
	return cand.distance < cur.distance
}

// RebuildForFileHierarchy rebuilds every user whose access could have been
// reshaped by a structural change at fileID: users with effective rows
// anywhere in the subtree (including rows now stale, which is how users who
// just lost an inherited path are found), plus holders of grants on the node,
// its subtree, or its current ancestor chain (how users who just gained one
// are found).
//
// Per-user rebuilds run concurrently under the configured limit; the first
// failure cancels the rest and is returned wrapping ErrRebuildFailed.
func (m *Materializer) RebuildForFileHierarchy(ctx context.Context, fileID FileID) error {
	users, err := m.AffectedUsers(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: collecting affected users of %s: %v", ErrRebuildFailed, fileID, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, uid := range users {
		g.Go(func() error {
			return m.RebuildForUser(ctx, uid)
		})
	}
	return g.Wait()
}

// AffectedUsers computes the set of users RebuildForFileHierarchy would
// rebuild for a change at fileID. The Coordinator uses the same set for
// synchronous cache eviction.
func (m *Materializer) AffectedUsers(ctx context.Context, fileID FileID) ([]UserID, error) {
	subtree := []FileID{fileID}
	descendants, err := m.store.Descendants(ctx, fileID)
	if err != nil {
		if IsNotFound(err) {
			// The node is already gone; only stale effective rows on the
			// id itself can remain.
			descendants = nil
		} else {
			return nil, err
		}
	}
	for fid := range descendants {
		subtree = append(subtree, fid)
	}

	seen := make(map[UserID]struct{})

	rowUsers, err := m.store.UsersWithEffectiveOn(ctx, subtree)
	if err != nil {
		return nil, err
	}
	for _, uid := range rowUsers {
		seen[uid] = struct{}{}
	}

	grantFiles := subtree
	ancestors, err := m.store.Ancestors(ctx, fileID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	for _, node := range ancestors {
		if node.ID != fileID {
			grantFiles = append(grantFiles, node.ID)
		}
	}
	grants, err := m.store.ListGrantsOn(ctx, grantFiles)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		seen[g.UserID] = struct{}{}
	}

	users := make([]UserID, 0, len(seen))
	for uid := range seen {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

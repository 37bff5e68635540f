package canopy

import "context"

// GrantStore persists direct (non-inherited) permission grants.
//
// Grants never cascade at the store level: a grant is attached to exactly the
// file it was set on, and mutations have no side effects on caches or the
// materialized table. Callers that need consistency go through the
// Coordinator, which triggers invalidation explicitly.
type GrantStore interface {
	// SetGrant upserts a grant and returns the resulting row. Re-granting
	// an existing (file, user) pair updates the level in place and bumps
	// GrantedAt.
	SetGrant(ctx context.Context, fileID FileID, userID UserID, level Level) (Grant, error)

	// RemoveGrant deletes a grant if present. Idempotent: removing an
	// absent grant is not an error.
	RemoveGrant(ctx context.Context, fileID FileID, userID UserID) error

	// RemoveGrantsOn deletes every grant attached to any of the given
	// files. Used when a subtree is permanently deleted.
	RemoveGrantsOn(ctx context.Context, fileIDs []FileID) error

	// ListGrants returns all grants directly on a file, most recent first
	// (the order the sharing UI displays them in).
	ListGrants(ctx context.Context, fileID FileID) ([]Grant, error)

	// ListGrantsOn returns all grants directly on any of the given files.
	// Order is unspecified.
	ListGrantsOn(ctx context.Context, fileIDs []FileID) ([]Grant, error)

	// ListGrantsForUser returns every grant the user holds across all files.
	ListGrantsForUser(ctx context.Context, userID UserID) ([]Grant, error)
}

// HierarchyIndex is a read/write view over the file tree's parent/child
// structure. The permission core shares the underlying node storage with the
// rest of the application but only touches id, parent, and type.
//
// Traversals are depth bounded (MaxTreeDepth) and must terminate even on
// malformed cyclic data, reporting ErrCorruptHierarchy instead of looping.
type HierarchyIndex interface {
	// GetNode returns the node, or ErrNotFound.
	GetNode(ctx context.Context, id FileID) (FileNode, error)

	// CreateNode inserts a node. If node.ID is empty an ID is generated.
	// The parent, when set, must exist (ErrNotFound otherwise). Returns the
	// node as stored.
	CreateNode(ctx context.Context, node FileNode) (FileNode, error)

	// MoveNode reparents a node. An empty newParentID moves it to the root.
	// The index itself does not validate against cycles - that is the
	// Coordinator's job, done via IsDescendantOf before mutating.
	MoveNode(ctx context.Context, id FileID, newParentID FileID) error

	// DeleteSubtree removes the node and every descendant.
	DeleteSubtree(ctx context.Context, id FileID) error

	// Ancestors returns the chain from the file itself up to its root,
	// in that order. ErrNotFound if the file does not exist.
	Ancestors(ctx context.Context, id FileID) ([]FileNode, error)

	// Descendants returns every node transitively below id, mapped to its
	// depth relative to id (children are 1). The id itself is not included.
	Descendants(ctx context.Context, id FileID) (map[FileID]int, error)

	// IsDescendantOf reports whether childID sits transitively below
	// ancestorID. A node is not its own descendant.
	IsDescendantOf(ctx context.Context, childID, ancestorID FileID) (bool, error)
}

// EffectiveStore persists the derived effective-permission table.
//
// The table is a cache in durable form: every row is reconstructible from
// GrantStore + HierarchyIndex, and consistency is maintained by full
// per-user replacement, never by incremental patching.
type EffectiveStore interface {
	// GetEffective returns the row for (user, file) and whether one exists.
	// A missing row is not an error; it means no derived access.
	GetEffective(ctx context.Context, userID UserID, fileID FileID) (EffectiveRow, bool, error)

	// BatchGetEffective returns the rows for (user, file) across all given
	// files in a single query. Files without a row are absent from the map.
	BatchGetEffective(ctx context.Context, userID UserID, fileIDs []FileID) (map[FileID]EffectiveRow, error)

	// ReplaceForUser atomically deletes every row for the user and inserts
	// the given rows. Readers racing a replace observe either the old or
	// the new row set, never a partially written one.
	ReplaceForUser(ctx context.Context, userID UserID, rows []EffectiveRow) error

	// HasEffectiveRows reports whether the user has any rows at all. Used
	// to distinguish "materialized, no access" from "never materialized".
	HasEffectiveRows(ctx context.Context, userID UserID) (bool, error)

	// UsersWithEffectiveOn returns the distinct users holding a row on any
	// of the given files.
	UsersWithEffectiveOn(ctx context.Context, fileIDs []FileID) ([]UserID, error)

	// DeleteEffectiveOn removes every row referencing any of the given
	// files, for all users. Used when a subtree is permanently deleted.
	DeleteEffectiveOn(ctx context.Context, fileIDs []FileID) error
}

// Store is the full storage contract the Materializer, Checker, and
// Coordinator bind against. MemoryStore and PGStore implement it.
type Store interface {
	GrantStore
	HierarchyIndex
	EffectiveStore
}

// Package canopy implements hierarchical permission resolution for a
// collaborative workspace: grants placed on folders and programmes cascade to
// every descendant file, and "does user U have at least level L on file F" is
// answered from a layered read path (in-process TTL cache, then a durable
// materialized table of effective permissions, then a full rebuild from the
// grant set and the file hierarchy).
//
// # Components
//
// The library is organized leaf to root:
//
//   - GrantStore: durable direct grants (user, file, level). A grant attaches
//     to exactly the file it was set on; nothing cascades at the store level.
//   - HierarchyIndex: the file tree. Ancestor and descendant walks are depth
//     bounded and report ErrCorruptHierarchy instead of looping on bad data.
//   - Materializer: rebuilds the flat effective-permission table for a user
//     by expanding every grant over its descendant set, max-wins.
//   - Checker: the hot read path. Admin bypass, cache, materialized row,
//     lazy rebuild on structural miss.
//   - Coordinator: the mutation entry points. Evicts caches synchronously and
//     schedules the rebuilds a mutation makes necessary.
//
// # Basic Usage
//
//	store := canopy.NewMemoryStore()
//	mat := canopy.NewMaterializer(store)
//	checker := canopy.NewChecker(store, mat, canopy.WithCache(canopy.NewTTLCache()))
//	coord := canopy.NewCoordinator(store, mat, canopy.WithCoordinatorCache(cache))
//
//	_, err := coord.SetGrant(ctx, folderID, userID, canopy.LevelView)
//	lvl, err := checker.Check(ctx, canopy.Identity{UserID: userID}, pageID)
//
// # Storage Backends
//
// Two Store implementations ship with the library: MemoryStore (maps behind a
// mutex, for tests and embedded use) and PGStore (PostgreSQL, with the
// delete-then-insert rebuild wrapped in a single transaction). The Migrator
// accepts the minimal Execer interface, so migrations can run against
// *sql.DB or inside a *sql.Tx.
//
// # Consistency Model
//
// The effective-permission table is derived, never authoritative: it is fully
// rebuilt per affected user on every relevant mutation rather than patched
// incrementally. Rebuilds for the same user serialize; rebuilds for distinct
// users run in parallel. The in-process cache is a pure optimization - losing
// it or missing an invalidation costs at most one TTL window of staleness,
// never a wrong durable answer.
package canopy

import (
	"context"
	"database/sql"
	"time"
)

// UserID identifies a user. Supplied by the external identity provider and
// trusted verbatim; canopy never verifies identity itself.
type UserID string

// FileID identifies a node in the workspace file tree.
type FileID string

// Role is the coarse application role attached to an identity.
type Role string

const (
	// RoleMember is a regular user: access comes only from grants.
	RoleMember Role = "member"

	// RoleAdmin holds edit on every file unconditionally. The bypass is
	// applied once at the top of the resolution path; no grant or
	// materialized row is ever consulted (or required) for admins.
	RoleAdmin Role = "admin"
)

// Identity is the caller on whose behalf a check or mutation runs.
// It comes from the identity provider; canopy does not re-verify it.
type Identity struct {
	UserID UserID
	Role   Role
}

// IsAdmin reports whether the identity gets the unconditional edit bypass.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// NodeType classifies a file node. Only container types (folder, programme)
// have descendants; leaf types may still hold direct grants.
type NodeType string

const (
	NodeFolder    NodeType = "folder"
	NodeProgramme NodeType = "programme"
	NodePage      NodeType = "page"
	NodeSheet     NodeType = "sheet"
	NodeForm      NodeType = "form"
	NodeUpload    NodeType = "upload"
)

// CanCascade reports whether grants on this node type are meant to propagate
// to children. Leaf types never have children, so a direct grant on one is
// effectively non-cascading either way.
func (t NodeType) CanCascade() bool {
	return t == NodeFolder || t == NodeProgramme
}

// FileNode is the slice of file metadata the permission core needs.
// The rest of the application stores names, content, and timestamps
// elsewhere; canopy only reads id, parent, and type.
//
// An empty ParentID marks a root. The parent graph is required to be a
// forest; the Coordinator rejects moves that would introduce a cycle.
type FileNode struct {
	ID       FileID
	ParentID FileID
	Type     NodeType
}

// Grant is a direct, explicitly stored permission: userID holds level on
// fileID. Unique per (file, user); re-granting updates the level in place.
type Grant struct {
	FileID    FileID
	UserID    UserID
	Level     Level
	GrantedAt time.Time
}

// EffectiveRow is one row of the derived effective-permission table.
//
// For every (user, file) pair there is at most one row, and its Level equals
// the max over all grants the user holds on the file and the file's
// ancestors. SourceFileID names the ancestor (or the file itself) whose grant
// won; IsDirect is true iff the winning grant sits on the file itself.
// Rows are always reconstructible from GrantStore + HierarchyIndex.
type EffectiveRow struct {
	UserID       UserID
	FileID       FileID
	Level        Level
	IsDirect     bool
	SourceFileID FileID
}

// Querier executes read queries against PostgreSQL.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
//
// Keeping the interface minimal lets permission reads run inside an
// application transaction and observe its uncommitted grant changes.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with ExecContext. Needed by mutations and by the
// migrator; read paths only require Querier.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

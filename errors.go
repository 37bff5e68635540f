package canopy

import "errors"

// Sentinel errors for the permission core.
//
// Read paths that merely find no evidence of permission do not error: they
// resolve to LevelNone. These sentinels cover integrity violations, rejected
// mutations, and storage failures - the cases an application layer must
// distinguish to show the right failure state.
//
// Use the Is* helpers (or errors.Is directly) to classify wrapped errors.
var (
	// ErrNotFound is returned when a mutation references a file that does
	// not exist. Queries never return it; an unknown file simply resolves
	// to no permission.
	ErrNotFound = errors.New("canopy: file not found")

	// ErrForbidden is returned by Require when the caller's effective level
	// falls short of the required one. It is surfaced to the application as
	// a rejection, never silently downgraded.
	ErrForbidden = errors.New("canopy: permission denied")

	// ErrInvalidMove is returned when a move would place a node under its
	// own descendant (or under itself). The move is rejected before any
	// mutation, leaving the hierarchy unchanged.
	ErrInvalidMove = errors.New("canopy: move would create a cycle")

	// ErrCorruptHierarchy is returned when an ancestor or descendant walk
	// exceeds the depth bound or revisits a node. It indicates a data
	// integrity problem, not a normal "no access" outcome, and is never
	// swallowed.
	ErrCorruptHierarchy = errors.New("canopy: file hierarchy contains a cycle or exceeds depth bound")

	// ErrRebuildFailed is returned when a materialization rebuild could not
	// complete. The rebuild's delete-then-insert is atomic, so a failed
	// rebuild leaves the previous rows intact; the error is retryable.
	ErrRebuildFailed = errors.New("canopy: effective permission rebuild failed")
)

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsForbidden returns true if err is or wraps ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsInvalidMove returns true if err is or wraps ErrInvalidMove.
func IsInvalidMove(err error) bool {
	return errors.Is(err, ErrInvalidMove)
}

// IsCorruptHierarchy returns true if err is or wraps ErrCorruptHierarchy.
func IsCorruptHierarchy(err error) bool {
	return errors.Is(err, ErrCorruptHierarchy)
}

// IsRebuildFailed returns true if err is or wraps ErrRebuildFailed.
func IsRebuildFailed(err error) bool {
	return errors.Is(err, ErrRebuildFailed)
}

// MaxTreeDepth bounds ancestor and descendant traversals. Workspace trees in
// practice nest a handful of levels; hitting this bound means the parent
// graph is corrupt, and traversals report ErrCorruptHierarchy rather than
// walking further.
const MaxTreeDepth = 64

// PostgreSQL error codes used by PGStore when mapping driver errors onto the
// sentinels above.
const (
	pgForeignKeyViolation = "23503" // foreign_key_violation
	pgUndefinedTable      = "42P01" // undefined_table
)

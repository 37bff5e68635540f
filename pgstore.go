package canopy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newNodeID generates an ID for nodes created without one.
func newNodeID() string { return uuid.NewString() }

// pgValidation holds the process-wide schema validation state.
// Validation runs once per process on the first NewPGStore call.
var pgValidation struct {
	once sync.Once
}

// validatePGSchema checks for the core tables on first PGStore creation and
// logs warnings (does not fail). Catches missing migrations early without
// blocking application startup.
func validatePGSchema(db Querier) {
	pgValidation.once.Do(func() {
		ctx := context.Background()
		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM file_nodes").Scan(&count)
		if err != nil {
			if sqlState(err) == pgUndefinedTable {
				log.Printf("[canopy] WARNING: file_nodes table not found. Run 'canopy migrate' to create it.")
			} else {
				log.Printf("[canopy] WARNING: error checking file_nodes: %v", err)
			}
		}
	})
}

// PGStore is the PostgreSQL-backed Store.
//
// Reads use the minimal Querier surface, but the store holds a *sql.DB
// because ReplaceForUser owns a transaction: the delete-then-insert swap of
// a user's effective rows must be atomic, and a timed-out or failed rebuild
// must roll back rather than leave the table partially deleted (partial
// deletion would read as false denial, the single worst failure mode).
//
// Descendant and ancestor walks run as bounded recursive CTEs; hitting the
// depth bound reports ErrCorruptHierarchy instead of recursing forever on
// malformed data.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store over an open PostgreSQL connection pool.
// On the first call per process, the presence of the core tables is
// validated and missing ones are logged as warnings.
func NewPGStore(db *sql.DB) *PGStore {
	if db != nil {
		validatePGSchema(db)
	}
	return &PGStore{db: db}
}

// SetGrant upserts a grant and returns the stored row.
func (s *PGStore) SetGrant(ctx context.Context, fileID FileID, userID UserID, level Level) (Grant, error) {
	if !level.Valid() {
		return Grant{}, fmt.Errorf("cannot grant level %s", level)
	}

	var g Grant
	var grantedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO permission_grants (file_id, user_id, level, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (file_id, user_id)
		DO UPDATE SET level = EXCLUDED.level, granted_at = now()
		RETURNING file_id, user_id, level, granted_at`,
		string(fileID), string(userID), int(level),
	).Scan(&g.FileID, &g.UserID, &g.Level, &grantedAt)
	if err != nil {
		return Grant{}, s.mapError("set grant", err)
	}
	g.GrantedAt = grantedAt
	return g, nil
}

// RemoveGrant deletes a grant if present. Idempotent.
func (s *PGStore) RemoveGrant(ctx context.Context, fileID FileID, userID UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_grants WHERE file_id = $1 AND user_id = $2`,
		string(fileID), string(userID))
	if err != nil {
		return s.mapError("remove grant", err)
	}
	return nil
}

// RemoveGrantsOn deletes every grant on any of the given files.
func (s *PGStore) RemoveGrantsOn(ctx context.Context, fileIDs []FileID) error {
	if len(fileIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_grants WHERE file_id = ANY($1)`, fileIDStrings(fileIDs))
	if err != nil {
		return s.mapError("remove grants", err)
	}
	return nil
}

// ListGrants returns all grants on a file, most recent first.
func (s *PGStore) ListGrants(ctx context.Context, fileID FileID) ([]Grant, error) {
	return s.queryGrants(ctx, `
		SELECT file_id, user_id, level, granted_at
		FROM permission_grants WHERE file_id = $1
		ORDER BY granted_at DESC, user_id`, string(fileID))
}

// ListGrantsOn returns all grants on any of the given files.
func (s *PGStore) ListGrantsOn(ctx context.Context, fileIDs []FileID) ([]Grant, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	return s.queryGrants(ctx, `
		SELECT file_id, user_id, level, granted_at
		FROM permission_grants WHERE file_id = ANY($1)`, fileIDStrings(fileIDs))
}

// ListGrantsForUser returns every grant the user holds.
func (s *PGStore) ListGrantsForUser(ctx context.Context, userID UserID) ([]Grant, error) {
	return s.queryGrants(ctx, `
		SELECT file_id, user_id, level, granted_at
		FROM permission_grants WHERE user_id = $1
		ORDER BY granted_at DESC, file_id`, string(userID))
}

func (s *PGStore) queryGrants(ctx context.Context, query string, args ...any) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("list grants", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.FileID, &g.UserID, &g.Level, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetNode returns a node by ID.
func (s *PGStore) GetNode(ctx context.Context, id FileID) (FileNode, error) {
	var node FileNode
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, node_type FROM file_nodes WHERE id = $1`,
		string(id),
	).Scan(&node.ID, &parent, &node.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return FileNode{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return FileNode{}, s.mapError("get node", err)
	}
	node.ParentID = FileID(parent.String)
	return node, nil
}

// CreateNode inserts a node, generating an ID when none is supplied.
func (s *PGStore) CreateNode(ctx context.Context, node FileNode) (FileNode, error) {
	if node.ID == "" {
		node.ID = FileID(newNodeID())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_nodes (id, parent_id, node_type) VALUES ($1, $2, $3)`,
		string(node.ID), nullableID(node.ParentID), string(node.Type))
	if err != nil {
		if sqlState(err) == pgForeignKeyViolation {
			return FileNode{}, fmt.Errorf("parent %s: %w", node.ParentID, ErrNotFound)
		}
		return FileNode{}, s.mapError("create node", err)
	}
	return node, nil
}

// MoveNode reparents a node. Cycle validation is the Coordinator's job.
func (s *PGStore) MoveNode(ctx context.Context, id FileID, newParentID FileID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_nodes SET parent_id = $2 WHERE id = $1`,
		string(id), nullableID(newParentID))
	if err != nil {
		if sqlState(err) == pgForeignKeyViolation {
			return fmt.Errorf("parent %s: %w", newParentID, ErrNotFound)
		}
		return s.mapError("move node", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSubtree removes the node; grants, effective rows, and descendants go
// with it through ON DELETE CASCADE.
func (s *PGStore) DeleteSubtree(ctx context.Context, id FileID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_nodes WHERE id = $1`, string(id))
	if err != nil {
		return s.mapError("delete subtree", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// Ancestors returns the chain from the file itself to its root via a bounded
// recursive CTE.
func (s *PGStore) Ancestors(ctx context.Context, id FileID) ([]FileNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_id, node_type, 0 AS depth
			FROM file_nodes WHERE id = $1
			UNION ALL
			SELECT f.id, f.parent_id, f.node_type, c.depth + 1
			FROM file_nodes f
			JOIN chain c ON f.id = c.parent_id
			WHERE c.depth < $2
		)
		SELECT id, parent_id, node_type, depth FROM chain ORDER BY depth`,
		string(id), MaxTreeDepth)
	if err != nil {
		return nil, s.mapError("ancestors", err)
	}
	defer func() { _ = rows.Close() }()

	var chain []FileNode
	maxDepth := 0
	for rows.Next() {
		var node FileNode
		var parent sql.NullString
		var depth int
		if err := rows.Scan(&node.ID, &parent, &node.Type, &depth); err != nil {
			return nil, err
		}
		node.ParentID = FileID(parent.String)
		chain = append(chain, node)
		maxDepth = depth
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if maxDepth >= MaxTreeDepth {
		return nil, fmt.Errorf("ancestors of %s: %w", id, ErrCorruptHierarchy)
	}
	return chain, nil
}

// Descendants returns every node transitively below id with its depth, via a
// bounded recursive CTE.
func (s *PGStore) Descendants(ctx context.Context, id FileID) (map[FileID]int, error) {
	if _, err := s.GetNode(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM file_nodes WHERE id = $1
			UNION ALL
			SELECT f.id, t.depth + 1
			FROM file_nodes f
			JOIN subtree t ON f.parent_id = t.id
			WHERE t.depth < $2
		)
		SELECT id, depth FROM subtree WHERE depth > 0`,
		string(id), MaxTreeDepth)
	if err != nil {
		return nil, s.mapError("descendants", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[FileID]int)
	for rows.Next() {
		var fid FileID
		var depth int
		if err := rows.Scan(&fid, &depth); err != nil {
			return nil, err
		}
		if depth >= MaxTreeDepth {
			return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptHierarchy)
		}
		// In a forest every node is reached exactly once; a second visit
		// means the parent graph has a cycle.
		if _, dup := out[fid]; dup || fid == id {
			return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptHierarchy)
		}
		out[fid] = depth
	}
	return out, rows.Err()
}

// IsDescendantOf walks up from childID and reports whether ancestorID is on
// the chain.
func (s *PGStore) IsDescendantOf(ctx context.Context, childID, ancestorID FileID) (bool, error) {
	if childID == ancestorID {
		return false, nil
	}
	chain, err := s.Ancestors(ctx, childID)
	if err != nil {
		return false, err
	}
	for _, node := range chain[1:] {
		if node.ID == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// GetEffective returns the effective row for (user, file), if any.
func (s *PGStore) GetEffective(ctx context.Context, userID UserID, fileID FileID) (EffectiveRow, bool, error) {
	var row EffectiveRow
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, file_id, level, is_direct, source_file_id
		FROM effective_permissions WHERE user_id = $1 AND file_id = $2`,
		string(userID), string(fileID),
	).Scan(&row.UserID, &row.FileID, &row.Level, &row.IsDirect, &row.SourceFileID)
	if errors.Is(err, sql.ErrNoRows) {
		return EffectiveRow{}, false, nil
	}
	if err != nil {
		return EffectiveRow{}, false, s.mapError("get effective", err)
	}
	return row, true, nil
}

// BatchGetEffective fetches the rows for all given files in one query.
func (s *PGStore) BatchGetEffective(ctx context.Context, userID UserID, fileIDs []FileID) (map[FileID]EffectiveRow, error) {
	if len(fileIDs) == 0 {
		return map[FileID]EffectiveRow{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, file_id, level, is_direct, source_file_id
		FROM effective_permissions WHERE user_id = $1 AND file_id = ANY($2)`,
		string(userID), fileIDStrings(fileIDs))
	if err != nil {
		return nil, s.mapError("batch get effective", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[FileID]EffectiveRow, len(fileIDs))
	for rows.Next() {
		var row EffectiveRow
		if err := rows.Scan(&row.UserID, &row.FileID, &row.Level, &row.IsDirect, &row.SourceFileID); err != nil {
			return nil, err
		}
		out[row.FileID] = row
	}
	return out, rows.Err()
}

// effectiveInsertChunk caps the rows per INSERT statement during a replace.
const effectiveInsertChunk = 500

// ReplaceForUser swaps the user's row set inside one transaction. Readers
// racing the replace see either the old rows or the new rows, never the gap
// between delete and insert.
func (s *PGStore) ReplaceForUser(ctx context.Context, userID UserID, rows []EffectiveRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError("replace effective", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM effective_permissions WHERE user_id = $1`, string(userID)); err != nil {
		return s.mapError("replace effective", err)
	}

	for start := 0; start < len(rows); start += effectiveInsertChunk {
		end := start + effectiveInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := insertEffectiveChunk(ctx, tx, rows[start:end]); err != nil {
			return s.mapError("replace effective", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.mapError("replace effective", err)
	}
	return nil
}

func insertEffectiveChunk(ctx context.Context, tx *sql.Tx, rows []EffectiveRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO effective_permissions (user_id, file_id, level, is_direct, source_file_id) VALUES `)
	args := make([]any, 0, len(rows)*5)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args,
			string(row.UserID), string(row.FileID), int(row.Level), row.IsDirect, string(row.SourceFileID))
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// HasEffectiveRows reports whether the user has any materialized rows.
func (s *PGStore) HasEffectiveRows(ctx context.Context, userID UserID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM effective_permissions WHERE user_id = $1)`,
		string(userID)).Scan(&exists)
	if err != nil {
		return false, s.mapError("has effective rows", err)
	}
	return exists, nil
}

// UsersWithEffectiveOn returns the distinct users with a row on any file.
func (s *PGStore) UsersWithEffectiveOn(ctx context.Context, fileIDs []FileID) ([]UserID, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM effective_permissions
		WHERE file_id = ANY($1) ORDER BY user_id`, fileIDStrings(fileIDs))
	if err != nil {
		return nil, s.mapError("users with effective", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UserID
	for rows.Next() {
		var uid UserID
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// DeleteEffectiveOn removes every row referencing any of the given files.
func (s *PGStore) DeleteEffectiveOn(ctx context.Context, fileIDs []FileID) error {
	if len(fileIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM effective_permissions WHERE file_id = ANY($1) OR source_file_id = ANY($1)`,
		fileIDStrings(fileIDs))
	if err != nil {
		return s.mapError("delete effective", err)
	}
	return nil
}

// mapError maps driver errors onto the package sentinels where a mapping
// exists, otherwise wraps with the operation name.
func (s *PGStore) mapError(operation string, err error) error {
	if sqlState(err) == pgUndefinedTable {
		return fmt.Errorf("%s: schema not migrated (run 'canopy migrate'): %w", operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// sqlState extracts the SQLSTATE code from a PostgreSQL error. Interface
// detection keeps the store driver-agnostic: pgx exposes SQLState(), other
// drivers expose Code().
func sqlState(err error) string {
	type sqlStateErr interface{ SQLState() string }
	var se sqlStateErr
	if errors.As(err, &se) {
		return se.SQLState()
	}

	type codeErr interface{ Code() string }
	var ce codeErr
	if errors.As(err, &ce) {
		return ce.Code()
	}

	return ""
}

func fileIDStrings(fileIDs []FileID) []string {
	out := make([]string, len(fileIDs))
	for i, fid := range fileIDs {
		out[i] = string(fid)
	}
	return out
}

func nullableID(id FileID) any {
	if id == "" {
		return nil
	}
	return string(id)
}

// Ensure PGStore implements Store.
var _ Store = (*PGStore)(nil)

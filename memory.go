package canopy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// grantKey uniquely identifies a grant.
type grantKey struct {
	fileID FileID
	userID UserID
}

// effectiveKey uniquely identifies an effective-permission row.
type effectiveKey struct {
	userID UserID
	fileID FileID
}

// MemoryStore is an in-memory implementation of Store. It is safe for
// concurrent use and is the backend of choice for tests and for embedding
// canopy without a database.
//
// ReplaceForUser holds the write lock for the whole delete-then-insert, so
// readers never observe a partially replaced row set - the same guarantee
// PGStore gets from a transaction.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[FileID]FileNode
	children  map[FileID]map[FileID]struct{}
	grants    map[grantKey]Grant
	effective map[effectiveKey]EffectiveRow

	// now is swappable so tests can pin GrantedAt timestamps.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[FileID]FileNode),
		children:  make(map[FileID]map[FileID]struct{}),
		grants:    make(map[grantKey]Grant),
		effective: make(map[effectiveKey]EffectiveRow),
		now:       time.Now,
	}
}

// SetGrant upserts a grant for (fileID, userID).
func (m *MemoryStore) SetGrant(ctx context.Context, fileID FileID, userID UserID, level Level) (Grant, error) {
	if !level.Valid() {
		return Grant{}, fmt.Errorf("cannot grant level %s", level)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := Grant{FileID: fileID, UserID: userID, Level: level, GrantedAt: m.now()}
	m.grants[grantKey{fileID: fileID, userID: userID}] = g
	return g, nil
}

// RemoveGrant deletes a grant if present. Idempotent.
func (m *MemoryStore) RemoveGrant(ctx context.Context, fileID FileID, userID UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.grants, grantKey{fileID: fileID, userID: userID})
	return nil
}

// RemoveGrantsOn deletes every grant attached to any of the given files.
func (m *MemoryStore) RemoveGrantsOn(ctx context.Context, fileIDs []FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := fileIDSet(fileIDs)
	for key := range m.grants {
		if _, hit := files[key.fileID]; hit {
			delete(m.grants, key)
		}
	}
	return nil
}

// ListGrants returns all grants directly on a file, most recent first.
func (m *MemoryStore) ListGrants(ctx context.Context, fileID FileID) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Grant
	for key, g := range m.grants {
		if key.fileID == fileID {
			out = append(out, g)
		}
	}
	sortGrantsByRecency(out)
	return out, nil
}

// ListGrantsOn returns all grants directly on any of the given files.
func (m *MemoryStore) ListGrantsOn(ctx context.Context, fileIDs []FileID) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := fileIDSet(fileIDs)
	var out []Grant
	for key, g := range m.grants {
		if _, hit := files[key.fileID]; hit {
			out = append(out, g)
		}
	}
	return out, nil
}

// ListGrantsForUser returns every grant the user holds.
func (m *MemoryStore) ListGrantsForUser(ctx context.Context, userID UserID) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Grant
	for key, g := range m.grants {
		if key.userID == userID {
			out = append(out, g)
		}
	}
	sortGrantsByRecency(out)
	return out, nil
}

// GetNode returns a node by ID.
func (m *MemoryStore) GetNode(ctx context.Context, id FileID) (FileNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return FileNode{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return node, nil
}

// CreateNode inserts a node, generating an ID when none is supplied.
func (m *MemoryStore) CreateNode(ctx context.Context, node FileNode) (FileNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node.ID == "" {
		node.ID = FileID(uuid.NewString())
	}
	if _, exists := m.nodes[node.ID]; exists {
		return FileNode{}, fmt.Errorf("node %s already exists", node.ID)
	}
	if node.ParentID != "" {
		if _, ok := m.nodes[node.ParentID]; !ok {
			return FileNode{}, fmt.Errorf("parent %s: %w", node.ParentID, ErrNotFound)
		}
	}

	m.nodes[node.ID] = node
	m.linkChild(node.ParentID, node.ID)
	return node, nil
}

// MoveNode reparents a node without cycle validation; callers (the
// Coordinator) validate via IsDescendantOf first.
func (m *MemoryStore) MoveNode(ctx context.Context, id FileID, newParentID FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if newParentID != "" {
		if _, ok := m.nodes[newParentID]; !ok {
			return fmt.Errorf("parent %s: %w", newParentID, ErrNotFound)
		}
	}

	m.unlinkChild(node.ParentID, id)
	node.ParentID = newParentID
	m.nodes[id] = node
	m.linkChild(newParentID, id)
	return nil
}

// DeleteSubtree removes the node and every descendant.
func (m *MemoryStore) DeleteSubtree(ctx context.Context, id FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	sub, err := m.descendantsLocked(id)
	if err != nil {
		return err
	}
	sub[id] = 0
	for fid := range sub {
		node := m.nodes[fid]
		m.unlinkChild(node.ParentID, fid)
		delete(m.nodes, fid)
		delete(m.children, fid)
	}
	return nil
}

// Ancestors returns the chain from the file itself up to its root.
func (m *MemoryStore) Ancestors(ctx context.Context, id FileID) ([]FileNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	chain := []FileNode{node}
	seen := map[FileID]struct{}{id: {}}
	for node.ParentID != "" {
		if len(chain) >= MaxTreeDepth {
			return nil, fmt.Errorf("ancestors of %s: %w", id, ErrCorruptHierarchy)
		}
		parent, ok := m.nodes[node.ParentID]
		if !ok {
			// Dangling parent pointer: treat the last reachable node
			// as the root rather than erroring a read path.
			break
		}
		if _, dup := seen[parent.ID]; dup {
			return nil, fmt.Errorf("ancestors of %s: %w", id, ErrCorruptHierarchy)
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		node = parent
	}
	return chain, nil
}

// Descendants returns every node transitively below id with its depth.
func (m *MemoryStore) Descendants(ctx context.Context, id FileID) (map[FileID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.nodes[id]; !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return m.descendantsLocked(id)
}

// descendantsLocked is an iterative BFS with a visited set and depth bound,
// so it terminates and reports corruption even if the parent graph has been
// damaged into a cycle.
func (m *MemoryStore) descendantsLocked(id FileID) (map[FileID]int, error) {
	out := make(map[FileID]int)
	frontier := []FileID{id}
	depth := 0

	for len(frontier) > 0 {
		depth++
		if depth > MaxTreeDepth {
			return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptHierarchy)
		}
		var next []FileID
		for _, fid := range frontier {
			for child := range m.children[fid] {
				if child == id {
					return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptHierarchy)
				}
				if _, dup := out[child]; dup {
					return nil, fmt.Errorf("descendants of %s: %w", id, ErrCorruptHierarchy)
				}
				out[child] = depth
				next = append(next, child)
			}
		}
		frontier = next
	}
	return out, nil
}

// IsDescendantOf reports whether childID sits transitively below ancestorID.
func (m *MemoryStore) IsDescendantOf(ctx context.Context, childID, ancestorID FileID) (bool, error) {
	if childID == ancestorID {
		return false, nil
	}

	chain, err := m.Ancestors(ctx, childID)
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
func (m *MemoryStore) GetEffective(ctx context.Context, userID UserID, fileID FileID) (EffectiveRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.effective[effectiveKey{userID: userID, fileID: fileID}]
	return row, ok, nil
}

// BatchGetEffective returns the rows for the given files in one pass.
func (m *MemoryStore) BatchGetEffective(ctx context.Context, userID UserID, fileIDs []FileID) (map[FileID]EffectiveRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[FileID]EffectiveRow, len(fileIDs))
	for _, fid := range fileIDs {
		if row, ok := m.effective[effectiveKey{userID: userID, fileID: fid}]; ok {
			out[fid] = row
		}
	}
	return out, nil
}

// ReplaceForUser atomically swaps the user's row set.
func (m *MemoryStore) ReplaceForUser(ctx context.Context, userID UserID, rows []EffectiveRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.effective {
		if key.userID == userID {
			delete(m.effective, key)
		}
	}
	for _, row := range rows {
		if row.UserID != userID {
			return fmt.Errorf("effective row for %s in replace for %s", row.UserID, userID)
		}
		m.effective[effectiveKey{userID: userID, fileID: row.FileID}] = row
	}
	return nil
}

// HasEffectiveRows reports whether the user has any materialized rows.
func (m *MemoryStore) HasEffectiveRows(ctx context.Context, userID UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key := range m.effective {
		if key.userID == userID {
			return true, nil
		}
	}
	return false, nil
}

// UsersWithEffectiveOn returns the distinct users with a row on any file.
func (m *MemoryStore) UsersWithEffectiveOn(ctx context.Context, fileIDs []FileID) ([]UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := fileIDSet(fileIDs)
	seen := make(map[UserID]struct{})
	for key := range m.effective {
		if _, hit := files[key.fileID]; hit {
			seen[key.userID] = struct{}{}
		}
	}
	out := make([]UserID, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DeleteEffectiveOn removes every row referencing any of the given files.
func (m *MemoryStore) DeleteEffectiveOn(ctx context.Context, fileIDs []FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := fileIDSet(fileIDs)
	for key := range m.effective {
		if _, hit := files[key.fileID]; hit {
			delete(m.effective, key)
		}
	}
	return nil
}

func (m *MemoryStore) linkChild(parentID, childID FileID) {
	if parentID == "" {
		return
	}
	set, ok := m.children[parentID]
	if !ok {
		set = make(map[FileID]struct{})
		m.children[parentID] = set
	}
	set[childID] = struct{}{}
}

func (m *MemoryStore) unlinkChild(parentID, childID FileID) {
	if parentID == "" {
		return
	}
	if set, ok := m.children[parentID]; ok {
		delete(set, childID)
		if len(set) == 0 {
			delete(m.children, parentID)
		}
	}
}

func fileIDSet(fileIDs []FileID) map[FileID]struct{} {
	set := make(map[FileID]struct{}, len(fileIDs))
	for _, fid := range fileIDs {
		set[fid] = struct{}{}
	}
	return set
}

func sortGrantsByRecency(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].GrantedAt.Equal(grants[j].GrantedAt) {
			return grants[i].UserID < grants[j].UserID
		}
		return grants[i].GrantedAt.After(grants[j].GrantedAt)
	})
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

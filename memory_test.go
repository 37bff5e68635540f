package canopy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy"
)

// buildTree creates:
//
//	root (folder)
//	├── docs (folder)
//	│   ├── page1 (page)
//	│   └── sub (folder)
//	│       └── sheet1 (sheet)
//	└── page2 (page)
func buildTree(t *testing.T, store *canopy.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for _, node := range []canopy.FileNode{
		{ID: "root", Type: canopy.NodeFolder},
		{ID: "docs", ParentID: "root", Type: canopy.NodeFolder},
		{ID: "page1", ParentID: "docs", Type: canopy.NodePage},
		{ID: "sub", ParentID: "docs", Type: canopy.NodeFolder},
		{ID: "sheet1", ParentID: "sub", Type: canopy.NodeSheet},
		{ID: "page2", ParentID: "root", Type: canopy.NodePage},
	} {
		_, err := store.CreateNode(ctx, node)
		require.NoError(t, err)
	}
}

func TestMemoryStoreGrants(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	g1, err := store.SetGrant(ctx, "docs", "alice", canopy.LevelView)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelView, g1.Level)
	assert.False(t, g1.GrantedAt.IsZero())

	// Re-granting updates in place; no second row appears.
	time.Sleep(time.Millisecond)
	g2, err := store.SetGrant(ctx, "docs", "alice", canopy.LevelEdit)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelEdit, g2.Level)

	grants, err := store.ListGrants(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, canopy.LevelEdit, grants[0].Level)

	_, err = store.SetGrant(ctx, "docs", "bob", canopy.LevelComment)
	require.NoError(t, err)

	grants, err = store.ListGrants(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, canopy.UserID("bob"), grants[0].UserID, "most recent grant first")

	byUser, err := store.ListGrantsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, canopy.FileID("docs"), byUser[0].FileID)

	// Removal is idempotent.
	require.NoError(t, store.RemoveGrant(ctx, "docs", "alice"))
	require.NoError(t, store.RemoveGrant(ctx, "docs", "alice"))
	byUser, err = store.ListGrantsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, byUser)

	// Granting an invalid level is rejected.
	_, err = store.SetGrant(ctx, "docs", "alice", canopy.LevelNone)
	assert.Error(t, err)
}

func TestMemoryStoreAncestors(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	chain, err := store.Ancestors(ctx, "sheet1")
	require.NoError(t, err)
	ids := make([]canopy.FileID, len(chain))
	for i, node := range chain {
		ids[i] = node.ID
	}
	assert.Equal(t, []canopy.FileID{"sheet1", "sub", "docs", "root"}, ids)

	chain, err = store.Ancestors(ctx, "root")
	require.NoError(t, err)
	require.Len(t, chain, 1)

	_, err = store.Ancestors(ctx, "ghost")
	assert.True(t, canopy.IsNotFound(err))
}

func TestMemoryStoreDescendants(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	desc, err := store.Descendants(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, map[canopy.FileID]int{
		"docs":   1,
		"page2":  1,
		"page1":  2,
		"sub":    2,
		"sheet1": 3,
	}, desc)

	desc, err = store.Descendants(ctx, "sheet1")
	require.NoError(t, err)
	assert.Empty(t, desc, "leaves have no descendants")

	_, err = store.Descendants(ctx, "ghost")
	assert.True(t, canopy.IsNotFound(err))
}

func TestMemoryStoreIsDescendantOf(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	cases := []struct {
		child, ancestor canopy.FileID
		want            bool
	}{
		{"sheet1", "root", true},
		{"sheet1", "docs", true},
		{"page2", "docs", false},
		{"docs", "sheet1", false},
		{"root", "root", false}, // a node is not its own descendant
	}
	for _, tc := range cases {
		got, err := store.IsDescendantOf(ctx, tc.child, tc.ancestor)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s under %s", tc.child, tc.ancestor)
	}
}

func TestMemoryStoreCorruptHierarchy(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	// MoveNode does not validate cycles (the Coordinator does), so damage
	// the tree directly: docs -> sub -> docs.
	require.NoError(t, store.MoveNode(ctx, "docs", "sub"))

	_, err := store.Descendants(ctx, "docs")
	assert.True(t, canopy.IsCorruptHierarchy(err), "descendant walk must detect the cycle, got %v", err)

	_, err = store.Ancestors(ctx, "docs")
	assert.True(t, canopy.IsCorruptHierarchy(err), "ancestor walk must detect the cycle, got %v", err)
}

func TestMemoryStoreDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	require.NoError(t, store.DeleteSubtree(ctx, "docs"))

	for _, id := range []canopy.FileID{"docs", "page1", "sub", "sheet1"} {
		_, err := store.GetNode(ctx, id)
		assert.True(t, canopy.IsNotFound(err), "%s should be gone", id)
	}
	_, err := store.GetNode(ctx, "page2")
	assert.NoError(t, err, "siblings survive")

	desc, err := store.Descendants(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, map[canopy.FileID]int{"page2": 1}, desc)
}

func TestMemoryStoreCreateNode(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	// Generated ID when none supplied.
	created, err := store.CreateNode(ctx, canopy.FileNode{ParentID: "root", Type: canopy.NodePage})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = store.CreateNode(ctx, canopy.FileNode{ID: "root", Type: canopy.NodeFolder})
	assert.Error(t, err, "duplicate ID rejected")

	_, err = store.CreateNode(ctx, canopy.FileNode{ID: "x", ParentID: "ghost", Type: canopy.NodePage})
	assert.True(t, canopy.IsNotFound(err))
}

func TestMemoryStoreEffectiveRows(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)

	rows := []canopy.EffectiveRow{
		{UserID: "alice", FileID: "docs", Level: canopy.LevelEdit, IsDirect: true, SourceFileID: "docs"},
		{UserID: "alice", FileID: "page1", Level: canopy.LevelEdit, SourceFileID: "docs"},
	}
	require.NoError(t, store.ReplaceForUser(ctx, "alice", rows))

	row, found, err := store.GetEffective(ctx, "alice", "page1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, canopy.FileID("docs"), row.SourceFileID)
	assert.False(t, row.IsDirect)

	got, err := store.BatchGetEffective(ctx, "alice", []canopy.FileID{"docs", "page1", "page2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	has, err := store.HasEffectiveRows(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, has)

	users, err := store.UsersWithEffectiveOn(ctx, []canopy.FileID{"page1"})
	require.NoError(t, err)
	assert.Equal(t, []canopy.UserID{"alice"}, users)

	// Replace with an empty set wipes the user.
	require.NoError(t, store.ReplaceForUser(ctx, "alice", nil))
	has, err = store.HasEffectiveRows(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, has)

	// Rows for a different user are rejected.
	err = store.ReplaceForUser(ctx, "alice", []canopy.EffectiveRow{
		{UserID: "bob", FileID: "docs", Level: canopy.LevelView, SourceFileID: "docs"},
	})
	assert.Error(t, err)
}

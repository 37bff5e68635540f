package canopy_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy"
)

// testDB opens the database named by DATABASE_URL, applies the schema, and
// skips the test when no database is configured. Integration tests run
// against an external PostgreSQL:
//
//	DATABASE_URL=postgres://localhost:5432/canopy_test go test ./...
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping PostgreSQL integration test")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(context.Background()))

	migrator := canopy.NewMigrator(db)
	require.NoError(t, migrator.Migrate(context.Background()))
	return db
}

// pgTree creates a fresh three-level tree with unique IDs so parallel test
// packages sharing one database do not collide.
func pgTree(t *testing.T, store *canopy.PGStore) (root, folder, leaf canopy.FileID) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	root = canopy.FileID("root-" + suffix)
	folder = canopy.FileID("folder-" + suffix)
	leaf = canopy.FileID("leaf-" + suffix)

	for _, node := range []canopy.FileNode{
		{ID: root, Type: canopy.NodeFolder},
		{ID: folder, ParentID: root, Type: canopy.NodeFolder},
		{ID: leaf, ParentID: folder, Type: canopy.NodePage},
	} {
		_, err := store.CreateNode(ctx, node)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = store.DeleteSubtree(context.Background(), root) })
	return root, folder, leaf
}

func TestPGStoreNodes(t *testing.T) {
	db := testDB(t)
	store := canopy.NewPGStore(db)
	ctx := context.Background()
	root, folder, leaf := pgTree(t, store)

	node, err := store.GetNode(ctx, folder)
	require.NoError(t, err)
	assert.Equal(t, root, node.ParentID)
	assert.Equal(t, canopy.NodeFolder, node.Type)

	_, err = store.GetNode(ctx, "missing-"+canopy.FileID(uuid.NewString()))
	assert.True(t, canopy.IsNotFound(err))

	// Creating under an unknown parent maps the FK violation to NotFound.
	_, err = store.CreateNode(ctx, canopy.FileNode{
		ID:       canopy.FileID(uuid.NewString()),
		ParentID: canopy.FileID("ghost-" + uuid.NewString()),
		Type:     canopy.NodePage,
	})
	assert.True(t, canopy.IsNotFound(err))

	// A generated ID comes back when none is supplied.
	created, err := store.CreateNode(ctx, canopy.FileNode{ParentID: root, Type: canopy.NodeUpload})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	chain, err := store.Ancestors(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, leaf, chain[0].ID)
	assert.Equal(t, root, chain[2].ID)

	desc, err := store.Descendants(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, desc[folder])
	assert.Equal(t, 2, desc[leaf])

	under, err := store.IsDescendantOf(ctx, leaf, root)
	require.NoError(t, err)
	assert.True(t, under)
	under, err = store.IsDescendantOf(ctx, root, leaf)
	require.NoError(t, err)
	assert.False(t, under)
}

func TestPGStoreGrantsAndEffective(t *testing.T) {
	db := testDB(t)
	store := canopy.NewPGStore(db)
	ctx := context.Background()
	root, folder, leaf := pgTree(t, store)

	user := canopy.UserID("user-" + uuid.NewString()[:8])

	g, err := store.SetGrant(ctx, folder, user, canopy.LevelView)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelView, g.Level)
	assert.False(t, g.GrantedAt.IsZero())

	// Upsert: same key, new level.
	g, err = store.SetGrant(ctx, folder, user, canopy.LevelEdit)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelEdit, g.Level)

	grants, err := store.ListGrantsForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	rows := []canopy.EffectiveRow{
		{UserID: user, FileID: folder, Level: canopy.LevelEdit, IsDirect: true, SourceFileID: folder},
		{UserID: user, FileID: leaf, Level: canopy.LevelEdit, SourceFileID: folder},
	}
	require.NoError(t, store.ReplaceForUser(ctx, user, rows))

	row, found, err := store.GetEffective(ctx, user, leaf)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, folder, row.SourceFileID)

	got, err := store.BatchGetEffective(ctx, user, []canopy.FileID{root, folder, leaf})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	users, err := store.UsersWithEffectiveOn(ctx, []canopy.FileID{leaf})
	require.NoError(t, err)
	assert.Contains(t, users, user)

	// Cascade: deleting the subtree takes grants and effective rows with it.
	require.NoError(t, store.DeleteSubtree(ctx, root))
	grants, err = store.ListGrantsForUser(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, grants)
	has, err := store.HasEffectiveRows(ctx, user)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPGStoreReplaceForUserLarge(t *testing.T) {
	db := testDB(t)
	store := canopy.NewPGStore(db)
	ctx := context.Background()
	root, _, _ := pgTree(t, store)

	user := canopy.UserID("bulk-" + uuid.NewString()[:8])

	// Exceed one insert chunk to exercise the chunked statement path.
	const n = 1203
	rows := make([]canopy.EffectiveRow, 0, n)
	for i := 0; i < n; i++ {
		fid := canopy.FileID(fmt.Sprintf("bulk-%s-%04d", uuid.NewString()[:8], i))
		_, err := store.CreateNode(ctx, canopy.FileNode{ID: fid, ParentID: root, Type: canopy.NodePage})
		require.NoError(t, err)
		rows = append(rows, canopy.EffectiveRow{
			UserID: user, FileID: fid, Level: canopy.LevelView, SourceFileID: root,
		})
	}

	require.NoError(t, store.ReplaceForUser(ctx, user, rows))
	got, err := store.BatchGetEffective(ctx, user, fileIDsOf(rows))
	require.NoError(t, err)
	assert.Len(t, got, n)

	// An empty replace wipes everything.
	require.NoError(t, store.ReplaceForUser(ctx, user, nil))
	has, err := store.HasEffectiveRows(ctx, user)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPGStoreFullStack(t *testing.T) {
	db := testDB(t)
	store := canopy.NewPGStore(db)
	ctx := context.Background()
	_, folder, leaf := pgTree(t, store)

	user := canopy.UserID("stack-" + uuid.NewString()[:8])
	mat := canopy.NewMaterializer(store)
	cache := canopy.NewTTLCache()
	checker := canopy.NewChecker(store, mat, canopy.WithCache(cache))
	coord := canopy.NewCoordinator(store, mat,
		canopy.WithCoordinatorCache(cache),
		canopy.WithSyncRebuilds(),
	)

	_, err := coord.SetGrant(ctx, folder, user, canopy.LevelComment)
	require.NoError(t, err)

	lvl, err := checker.Check(ctx, canopy.Identity{UserID: user, Role: canopy.RoleMember}, leaf)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelComment, lvl)

	require.NoError(t, coord.RemoveGrant(ctx, folder, user))
	lvl, err = checker.Check(ctx, canopy.Identity{UserID: user, Role: canopy.RoleMember}, leaf)
	require.NoError(t, err)
	assert.Equal(t, canopy.LevelNone, lvl)
}

func fileIDsOf(rows []canopy.EffectiveRow) []canopy.FileID {
	out := make([]canopy.FileID, len(rows))
	for i, row := range rows {
		out[i] = row.FileID
	}
	return out
}

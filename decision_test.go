package canopy_test

import (
	"context"
	"testing"

	"github.com/canopyhq/canopy"
)

func TestDecisionContext(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ctx := canopy.WithDecisionContext(context.Background(), canopy.DecisionAllow)
		if got := canopy.DecisionFromContext(ctx); got != canopy.DecisionAllow {
			t.Errorf("DecisionFromContext() = %v, want DecisionAllow", got)
		}
	})

	t.Run("unset by default", func(t *testing.T) {
		if got := canopy.DecisionFromContext(context.Background()); got != canopy.DecisionUnset {
			t.Errorf("DecisionFromContext() = %v, want DecisionUnset", got)
		}
	})

	t.Run("latest value wins", func(t *testing.T) {
		ctx := canopy.WithDecisionContext(context.Background(), canopy.DecisionAllow)
		ctx = canopy.WithDecisionContext(ctx, canopy.DecisionDeny)
		if got := canopy.DecisionFromContext(ctx); got != canopy.DecisionDeny {
			t.Errorf("DecisionFromContext() = %v, want DecisionDeny", got)
		}
	})
}

func TestCheckerDecisionOverrides(t *testing.T) {
	ctx := context.Background()
	store := canopy.NewMemoryStore()
	buildTree(t, store)
	mat := canopy.NewMaterializer(store)

	t.Run("checker-level allow", func(t *testing.T) {
		checker := canopy.NewChecker(store, mat, canopy.WithDecision(canopy.DecisionAllow))
		lvl, err := checker.Check(ctx, member("alice"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelEdit {
			t.Errorf("Check() = %v, want LevelEdit", lvl)
		}
	})

	t.Run("checker-level deny beats real grants", func(t *testing.T) {
		if _, err := store.SetGrant(ctx, "docs", "alice", canopy.LevelEdit); err != nil {
			t.Fatal(err)
		}
		if err := mat.RebuildForUser(ctx, "alice"); err != nil {
			t.Fatal(err)
		}

		checker := canopy.NewChecker(store, mat, canopy.WithDecision(canopy.DecisionDeny))
		lvl, err := checker.Check(ctx, member("alice"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelNone {
			t.Errorf("Check() = %v, want LevelNone", lvl)
		}
	})

	t.Run("context decision ignored without opt-in", func(t *testing.T) {
		checker := canopy.NewChecker(store, mat)
		override := canopy.WithDecisionContext(ctx, canopy.DecisionAllow)
		lvl, err := checker.Check(override, member("stranger"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelNone {
			t.Errorf("Check() = %v, want LevelNone without WithContextDecision", lvl)
		}
	})

	t.Run("context decision respected with opt-in", func(t *testing.T) {
		checker := canopy.NewChecker(store, mat, canopy.WithContextDecision())
		override := canopy.WithDecisionContext(ctx, canopy.DecisionAllow)
		lvl, err := checker.Check(override, member("stranger"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelEdit {
			t.Errorf("Check() = %v, want LevelEdit", lvl)
		}
	})

	t.Run("context decision outranks checker decision", func(t *testing.T) {
		checker := canopy.NewChecker(store, mat,
			canopy.WithDecision(canopy.DecisionDeny),
			canopy.WithContextDecision(),
		)
		override := canopy.WithDecisionContext(ctx, canopy.DecisionAllow)
		lvl, err := checker.Check(override, member("stranger"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelEdit {
			t.Errorf("Check() = %v, want LevelEdit", lvl)
		}
	})

	t.Run("admin bypass outranks deny", func(t *testing.T) {
		checker := canopy.NewChecker(store, mat, canopy.WithDecision(canopy.DecisionDeny))
		lvl, err := checker.Check(ctx, admin("root-user"), "page1")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if lvl != canopy.LevelEdit {
			t.Errorf("Check() = %v, want LevelEdit for admins", lvl)
		}
	})
}

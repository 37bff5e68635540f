package canopy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, canopy.LevelView < canopy.LevelComment)
	assert.True(t, canopy.LevelComment < canopy.LevelEdit)

	assert.True(t, canopy.LevelEdit.Satisfies(canopy.LevelView))
	assert.True(t, canopy.LevelComment.Satisfies(canopy.LevelComment))
	assert.False(t, canopy.LevelView.Satisfies(canopy.LevelEdit))
	assert.False(t, canopy.LevelNone.Satisfies(canopy.LevelView))
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]canopy.Level{
		"view":    canopy.LevelView,
		"comment": canopy.LevelComment,
		"edit":    canopy.LevelEdit,
	} {
		got, err := canopy.ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}

	_, err := canopy.ParseLevel("owner")
	assert.Error(t, err)

	// "none" is a resolution result, never a grantable input.
	_, err = canopy.ParseLevel("none")
	assert.Error(t, err)
}

func TestLevelValid(t *testing.T) {
	assert.False(t, canopy.LevelNone.Valid())
	assert.True(t, canopy.LevelView.Valid())
	assert.True(t, canopy.LevelEdit.Valid())
	assert.False(t, canopy.Level(9).Valid())
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, canopy.LevelEdit, canopy.MaxLevel(canopy.LevelView, canopy.LevelEdit))
	assert.Equal(t, canopy.LevelComment, canopy.MaxLevel(canopy.LevelComment, canopy.LevelView))
}

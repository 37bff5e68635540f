package canopy

import "fmt"

// Level is a permission level, totally ordered view < comment < edit.
// The ordinal mapping (view=1, comment=2, edit=3) is fixed and is what the
// durable stores persist; never renumber.
type Level int

const (
	// LevelNone means no access. It is never stored in a grant or an
	// effective row; it only appears as a resolution result.
	LevelNone Level = 0

	// LevelView allows reading content.
	LevelView Level = 1

	// LevelComment allows reading and commenting.
	LevelComment Level = 2

	// LevelEdit allows reading, commenting, editing, and sharing.
	LevelEdit Level = 3
)

// String returns the lowercase name used in storage and on the wire.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelView:
		return "view"
	case LevelComment:
		return "comment"
	case LevelEdit:
		return "edit"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Satisfies reports whether l meets the required level.
func (l Level) Satisfies(required Level) bool {
	return l >= required
}

// Valid reports whether l is a grantable level (view, comment, or edit).
func (l Level) Valid() bool {
	return l >= LevelView && l <= LevelEdit
}

// ParseLevel converts a stored or user-supplied name into a Level.
// Only grantable levels parse; "none" is not a valid input because it is
// never granted, only resolved.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "view":
		return LevelView, nil
	case "comment":
		return LevelComment, nil
	case "edit":
		return LevelEdit, nil
	default:
		return LevelNone, fmt.Errorf("unknown permission level %q", s)
	}
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

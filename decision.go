package canopy

import "context"

// Decision bypasses storage-backed resolution for admin tools and tests.
//
// Two layers exist:
//  1. Checker-level, set via WithDecision at construction.
//  2. Context-level, set via WithDecisionContext and consulted only when the
//     Checker opted in via WithContextDecision.
//
// Context decisions are opt-in by design: a Checker must explicitly declare
// that it respects context overrides, so an override planted by middleware
// cannot silently bypass authorization elsewhere.
type Decision int

// decisionContextKey is a private type so context keys cannot collide.
type decisionContextKey struct{}

var decisionKey = decisionContextKey{}

const (
	// DecisionUnset means no override: resolve normally.
	DecisionUnset Decision = iota

	// DecisionAllow resolves every check to LevelEdit without touching
	// storage. Use for admin tooling or testing authorized paths.
	DecisionAllow

	// DecisionDeny resolves every check to LevelNone without touching
	// storage. Use for testing unauthorized paths without fixtures.
	DecisionDeny
)

// WithDecisionContext returns a context carrying the decision.
//
// The Checker ignores this value unless it was built with
// WithContextDecision; prefer the WithDecision option when the override can
// be set at construction time.
func WithDecisionContext(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext retrieves the decision from the context, or
// DecisionUnset when none is set.
func DecisionFromContext(ctx context.Context) Decision {
	if d, ok := ctx.Value(decisionKey).(Decision); ok {
		return d
	}
	return DecisionUnset
}

// level maps a decision onto the level it resolves to.
func (d Decision) level() Level {
	if d == DecisionAllow {
		return LevelEdit
	}
	return LevelNone
}

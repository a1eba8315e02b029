package rules

import (
	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// Rule validates a proposed device value. Rules are pure: they read the
// context and return a result, value rewriting is the engine's job.
type Rule interface {
	ID() string
	Name() string
	Category() api.RuleCategory
	// Priority orders rules inside a category, higher first.
	Priority() int
	AppliesTo(ctx *api.SafetyContext) bool
	Evaluate(ctx *api.SafetyContext) api.ValidationResult
}

// CorrectionSuggester is implemented by rules that can propose an acceptable
// value after refusing one, surfaced to the user as a hint.
type CorrectionSuggester interface {
	SuggestCorrection(ctx *api.SafetyContext) *api.DeviceValue
}

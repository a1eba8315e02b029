package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
)

const ruleErrorReason = "rule_error"

// Evaluation is the engine's aggregate outcome: the final result, the value
// after all modifications, and the chain of modifying rule ids for
// diagnostics.
type Evaluation struct {
	Result     api.ValidationResult
	FinalValue api.DeviceValue
	ModifiedBy []string
}

// Accepted reports whether the proposal survived, possibly modified.
func (e Evaluation) Accepted() bool {
	return e.Result.Outcome != api.OutcomeRefused
}

// Engine runs the rule chain over a safety context. Evaluation is pure
// computation except for the per-rule timeout guard.
type Engine struct {
	registry *Registry
	log      logrus.FieldLogger
	timeout  time.Duration
}

func NewEngine(registry *Registry, log logrus.FieldLogger, timeout time.Duration) *Engine {
	return &Engine{registry: registry, log: log, timeout: timeout}
}

// Evaluate walks the chain in precedence order. A Refused result
// short-circuits; a Modified result replaces the proposed value and the walk
// continues, so later (lower-precedence) rules constrain the already-modified
// value. Rules in the two safety tiers fail closed on error or timeout,
// everything below fails open and is skipped.
func (e *Engine) Evaluate(ctx context.Context, sctx api.SafetyContext) Evaluation {
	eval := Evaluation{FinalValue: sctx.ProposedValue}

	for _, rule := range e.registry.Ordered() {
		sctx.ProposedValue = eval.FinalValue

		if !e.applies(rule, &sctx) {
			continue
		}

		result, err := e.evaluateOne(ctx, rule, sctx)
		if err != nil {
			if rule.Category().IsSafety() {
				eval.Result = api.RuleRefused(rule.ID(), ruleErrorReason, map[string]string{"error": err.Error()})
				return eval
			}
			e.log.WithError(err).Errorf("skipping rule %s for %s", rule.ID(), sctx.DeviceID)
			continue
		}

		switch result.Outcome {
		case api.OutcomeRefused:
			eval.Result = result
			if suggester, ok := rule.(CorrectionSuggester); ok {
				if suggestion := suggester.SuggestCorrection(&sctx); suggestion != nil {
					if eval.Result.Details == nil {
						eval.Result.Details = map[string]string{}
					}
					eval.Result.Details["suggestedValue"] = suggestion.String()
				}
			}
			return eval
		case api.OutcomeModified:
			if result.Modified == nil || !result.Modified.CompatibleWith(sctx.DeviceType) {
				// a rule rewriting to an incompatible value is a rule bug
				if rule.Category().IsSafety() {
					eval.Result = api.RuleRefused(rule.ID(), ruleErrorReason, map[string]string{"error": "modified value incompatible with device type"})
					return eval
				}
				e.log.Errorf("rule %s produced incompatible value for %s, skipping", rule.ID(), sctx.DeviceID)
				continue
			}
			eval.FinalValue = *result.Modified
			eval.ModifiedBy = append(eval.ModifiedBy, rule.ID())
			eval.Result = result
		case api.OutcomeAccepted:
			// continue down the chain
		}
	}

	if len(eval.ModifiedBy) > 0 {
		// surface the last modification as the outcome, chain in ModifiedBy
		return eval
	}
	eval.Result = api.RuleAccepted("")
	return eval
}

func (e *Engine) applies(rule Rule, sctx *api.SafetyContext) bool {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("rule %s AppliesTo panicked: %v", rule.ID(), r)
		}
	}()
	return rule.AppliesTo(sctx)
}

// evaluateOne guards a single rule with the per-rule timeout and a panic
// recovery, so one misbehaving rule can never take down the process. The
// context is copied so an abandoned (timed-out) rule goroutine never races
// with the chain continuing.
func (e *Engine) evaluateOne(ctx context.Context, rule Rule, sctx api.SafetyContext) (api.ValidationResult, error) {
	type outcome struct {
		result api.ValidationResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("rule %s panicked: %v", rule.ID(), r)}
			}
		}()
		resultCh <- outcome{result: rule.Evaluate(&sctx)}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-timer.C:
		return api.ValidationResult{}, fmt.Errorf("rule %s timed out after %s", rule.ID(), e.timeout)
	case <-ctx.Done():
		return api.ValidationResult{}, ctx.Err()
	}
}

package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/pkg/log"
)

// fakeRule is a scriptable rule for engine tests.
type fakeRule struct {
	id       string
	category api.RuleCategory
	priority int
	applies  bool
	evaluate func(ctx *api.SafetyContext) api.ValidationResult
}

func (r *fakeRule) ID() string                 { return r.id }
func (r *fakeRule) Name() string               { return r.id }
func (r *fakeRule) Category() api.RuleCategory { return r.category }
func (r *fakeRule) Priority() int              { return r.priority }
func (r *fakeRule) AppliesTo(*api.SafetyContext) bool {
	return r.applies
}
func (r *fakeRule) Evaluate(ctx *api.SafetyContext) api.ValidationResult {
	return r.evaluate(ctx)
}

func accepting(id string, category api.RuleCategory, priority int) *fakeRule {
	return &fakeRule{id: id, category: category, priority: priority, applies: true,
		evaluate: func(*api.SafetyContext) api.ValidationResult { return api.RuleAccepted(id) }}
}

func newEngine(t *testing.T, rules ...Rule) *Engine {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.Add(rules...))
	return NewEngine(registry, log.InitLogs(), 50*time.Millisecond)
}

func relayCtx(on bool) api.SafetyContext {
	return api.SafetyContext{
		DeviceID:      api.NewDeviceID("c1", "r1"),
		DeviceType:    api.DeviceTypeRelay,
		ProposedValue: api.RelayValue(on),
	}
}

func TestRegistryOrdering(t *testing.T) {
	require := require.New(t)
	registry := NewRegistry()
	require.NoError(registry.Add(
		accepting("c-low", api.RuleCategoryManual, 5),
		accepting("a-safety", api.RuleCategoryHardcodedSafety, 1),
		accepting("b-system", api.RuleCategorySystemSafety, 10),
		accepting("b-system-lower", api.RuleCategorySystemSafety, 1),
		accepting("a-safety-2", api.RuleCategoryHardcodedSafety, 1),
	))

	ids := []string{}
	for _, rule := range registry.Ordered() {
		ids = append(ids, rule.ID())
	}
	require.Equal([]string{"a-safety", "a-safety-2", "b-system", "b-system-lower", "c-low"}, ids)

	require.Error(registry.Add(accepting("c-low", api.RuleCategoryManual, 5)), "duplicate id")
}

func TestRefusedShortCircuits(t *testing.T) {
	require := require.New(t)
	laterRan := false

	engine := newEngine(t,
		&fakeRule{id: "refuser", category: api.RuleCategorySystemSafety, priority: 10, applies: true,
			evaluate: func(*api.SafetyContext) api.ValidationResult {
				return api.RuleRefused("refuser", "blocked", nil)
			}},
		&fakeRule{id: "later", category: api.RuleCategoryManual, priority: 1, applies: true,
			evaluate: func(*api.SafetyContext) api.ValidationResult {
				laterRan = true
				return api.RuleAccepted("later")
			}},
	)

	eval := engine.Evaluate(context.Background(), relayCtx(true))
	require.False(eval.Accepted())
	require.Equal("refuser", eval.Result.RuleID)
	require.Equal("blocked", eval.Result.Reason)
	require.False(laterRan, "rules after a refusal must not run")
}

func TestModifiedChainIsFixpoint(t *testing.T) {
	require := require.New(t)

	// first rule rewrites fan 4 -> 3, second sees 3 and rewrites -> 1
	engine := newEngine(t,
		&fakeRule{id: "first", category: api.RuleCategorySystemSafety, priority: 10, applies: true,
			evaluate: func(ctx *api.SafetyContext) api.ValidationResult {
				if ctx.ProposedValue.Fan > 3 {
					return api.RuleModified("first", ctx.ProposedValue, api.MustFanValue(3), "cap at 3")
				}
				return api.RuleAccepted("first")
			}},
		&fakeRule{id: "second", category: api.RuleCategoryManual, priority: 1, applies: true,
			evaluate: func(ctx *api.SafetyContext) api.ValidationResult {
				if ctx.ProposedValue.Fan > 1 {
					return api.RuleModified("second", ctx.ProposedValue, api.MustFanValue(1), "cap at 1")
				}
				return api.RuleAccepted("second")
			}},
	)

	sctx := api.SafetyContext{
		DeviceID:      api.NewDeviceID("c1", "f1"),
		DeviceType:    api.DeviceTypeFan,
		ProposedValue: api.MustFanValue(4),
	}
	eval := engine.Evaluate(context.Background(), sctx)
	require.True(eval.Accepted())
	require.Equal(api.MustFanValue(1), eval.FinalValue)
	require.Equal([]string{"first", "second"}, eval.ModifiedBy)
	// the second rule observed the first rule's output, not the original
	require.Equal(api.MustFanValue(3), *eval.Result.Original)
}

func TestNoRulesAccepts(t *testing.T) {
	require := require.New(t)
	engine := newEngine(t)

	eval := engine.Evaluate(context.Background(), relayCtx(true))
	require.True(eval.Accepted())
	require.Equal(api.RelayValue(true), eval.FinalValue)
	require.Empty(eval.ModifiedBy)
}

func TestSafetyRuleErrorFailsClosed(t *testing.T) {
	require := require.New(t)
	engine := newEngine(t,
		&fakeRule{id: "panicky", category: api.RuleCategoryHardcodedSafety, priority: 1, applies: true,
			evaluate: func(*api.SafetyContext) api.ValidationResult { panic("boom") }},
	)

	eval := engine.Evaluate(context.Background(), relayCtx(true))
	require.False(eval.Accepted())
	require.Equal("rule_error", eval.Result.Reason)
}

func TestNonSafetyRuleErrorFailsOpen(t *testing.T) {
	require := require.New(t)
	engine := newEngine(t,
		&fakeRule{id: "panicky", category: api.RuleCategoryManual, priority: 1, applies: true,
			evaluate: func(*api.SafetyContext) api.ValidationResult { panic("boom") }},
	)

	eval := engine.Evaluate(context.Background(), relayCtx(true))
	require.True(eval.Accepted())
	require.Equal(api.RelayValue(true), eval.FinalValue)
}

func TestRuleTimeout(t *testing.T) {
	require := require.New(t)

	slow := func(*api.SafetyContext) api.ValidationResult {
		time.Sleep(500 * time.Millisecond)
		return api.RuleAccepted("slow")
	}

	// non-safety: skipped
	engine := newEngine(t, &fakeRule{id: "slow", category: api.RuleCategoryScheduled, priority: 1, applies: true, evaluate: slow})
	eval := engine.Evaluate(context.Background(), relayCtx(true))
	require.True(eval.Accepted())

	// safety: refused with rule_error
	engine = newEngine(t, &fakeRule{id: "slow", category: api.RuleCategorySystemSafety, priority: 1, applies: true, evaluate: slow})
	eval = engine.Evaluate(context.Background(), relayCtx(true))
	require.False(eval.Accepted())
	require.Equal("rule_error", eval.Result.Reason)
}

func TestFirePumpInterlock(t *testing.T) {
	require := require.New(t)
	engine := newEngine(t, Hardcoded()...)

	pump := api.NewDeviceID("c1", "pump")
	fire := api.NewDeviceID("c1", "fire_main")

	sctx := api.SafetyContext{
		DeviceID:      pump,
		DeviceType:    api.DeviceTypeRelay,
		ProposedValue: api.RelayValue(false),
		RelatedDeviceStates: map[api.DeviceID]api.DeviceTwinSnapshot{
			fire: {ID: fire, Desired: &api.DesiredDeviceState{ID: fire, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}},
		},
	}

	eval := engine.Evaluate(context.Background(), sctx)
	require.True(eval.Accepted())
	require.Equal(api.RelayValue(true), eval.FinalValue)
	require.Equal([]string{"hardcoded.fire-pump-interlock"}, eval.ModifiedBy)
	require.Equal("pump must remain ON while fire active", eval.Result.Reason)

	// without an active fire the proposal passes through
	sctx.RelatedDeviceStates[fire] = api.DeviceTwinSnapshot{
		ID:      fire,
		Desired: &api.DesiredDeviceState{ID: fire, Type: api.DeviceTypeRelay, Value: api.RelayValue(false)},
	}
	eval = engine.Evaluate(context.Background(), sctx)
	require.True(eval.Accepted())
	require.Equal(api.RelayValue(false), eval.FinalValue)
	require.Empty(eval.ModifiedBy)
}

func TestSensorCommandGuard(t *testing.T) {
	require := require.New(t)
	engine := newEngine(t, Hardcoded()...)

	sctx := api.SafetyContext{
		DeviceID:      api.NewDeviceID("c1", "t1"),
		DeviceType:    api.DeviceTypeTemperatureSensor,
		ProposedValue: api.RelayValue(true),
	}
	eval := engine.Evaluate(context.Background(), sctx)
	require.False(eval.Accepted())
}

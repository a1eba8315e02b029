package calculator

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/overrides"
	"github.com/twinctl/twinctl/internal/rules"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/pkg/bus"
)

const failSafeReason = "fail_safe_default"

// Result is the outcome of one desired-state computation.
type Result struct {
	// Desired is the state that now holds for the device, nil when there was
	// nothing to compute (no intent, no override, no fail-safe default).
	Desired *api.DesiredDeviceState
	// Evaluation is the rule-chain outcome for the candidate value, nil when
	// no candidate existed.
	Evaluation *rules.Evaluation
	// Changed reports whether the desired state was actually rewritten.
	Changed bool
}

// Refused reports whether the candidate was blocked by a rule.
func (r Result) Refused() bool {
	return r.Evaluation != nil && !r.Evaluation.Accepted()
}

// Calculator turns intent, overrides and safety rules into the single desired
// state per device. Computations for the same device are serialized by a
// per-device lock so concurrent triggers cannot interleave reads and writes;
// different devices compute in parallel.
type Calculator struct {
	twin      store.Twin
	systems   store.System
	resolver  *overrides.Resolver
	engine    *rules.Engine
	bus       *bus.Bus
	log       logrus.FieldLogger
	collector *metrics.RulesCollector

	mu    sync.Mutex
	locks map[api.DeviceID]*deviceLock

	wg sync.WaitGroup
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func New(twin store.Twin, systems store.System, resolver *overrides.Resolver, engine *rules.Engine,
	eventBus *bus.Bus, log logrus.FieldLogger, collector *metrics.RulesCollector) *Calculator {
	return &Calculator{
		twin:      twin,
		systems:   systems,
		resolver:  resolver,
		engine:    engine,
		bus:       eventBus,
		log:       log,
		locks:     make(map[api.DeviceID]*deviceLock),
		collector: collector,
	}
}

func (c *Calculator) lock(id api.DeviceID) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &deviceLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

// Recalculate recomputes the desired state for one device: resolve the
// effective override, fall back to the user intent, then to the owning
// system's fail-safe default, run the candidate through the rule chain and
// persist the survivor. A refused candidate leaves the previous desired state
// untouched. Sensors and devices with no candidate are a no-op.
func (c *Calculator) Recalculate(ctx context.Context, id api.DeviceID) (Result, error) {
	unlock := c.lock(id)
	defer unlock()

	snapshot, err := c.twin.FindTwinSnapshot(ctx, id)
	if err != nil {
		return Result{}, err
	}

	system, err := c.systems.SystemOfDevice(ctx, id)
	if err != nil {
		return Result{}, err
	}
	systemID := ""
	if system != nil {
		systemID = system.ID
	}

	deviceType, ok := typeOf(snapshot)
	if !ok {
		// a device known only through its system still gets a fail-safe state
		deviceType, ok = typeFromFailSafe(system)
		if !ok {
			return Result{}, nil
		}
	}
	if !deviceType.IsOutput() {
		return c.priorResult(snapshot), nil
	}

	resolved, err := c.resolver.Resolve(ctx, id, systemID)
	if err != nil {
		return Result{}, err
	}

	candidate, source, reason, ok := c.pickCandidate(snapshot, system, deviceType, resolved)
	if !ok {
		return c.priorResult(snapshot), nil
	}

	sctx, err := c.buildSafetyContext(ctx, id, deviceType, candidate, system)
	if err != nil {
		return Result{}, err
	}

	eval := c.engine.Evaluate(ctx, sctx)
	c.countEvaluation(eval)

	if !eval.Accepted() {
		c.log.Warnf("value %s for %s refused by %s: %s", candidate, id, eval.Result.RuleID, eval.Result.Reason)
		result := c.priorResult(snapshot)
		result.Evaluation = &eval
		return result, nil
	}

	desired := api.DesiredDeviceState{
		ID:             id,
		Type:           deviceType,
		Value:          eval.FinalValue,
		Reason:         reason,
		CalculatedAt:   time.Now().UTC(),
		SourceCategory: source,
	}
	if eval.Result.Outcome == api.OutcomeModified {
		desired.Reason = eval.Result.Reason
	}

	if snapshot != nil && snapshot.Desired != nil &&
		snapshot.Desired.Value.Equal(desired.Value) &&
		snapshot.Desired.SourceCategory == desired.SourceCategory {
		// unchanged, keep the stored record and stay quiet on the bus
		return Result{Desired: snapshot.Desired, Evaluation: &eval}, nil
	}

	if err := c.twin.SaveDesiredState(ctx, desired); err != nil {
		return Result{}, err
	}
	c.bus.Publish(api.Event{
		Type:      api.EventDesiredStateCalculated,
		Device:    &id,
		SystemID:  systemID,
		Value:     &desired.Value,
		Category:  string(desired.SourceCategory),
		Reason:    desired.Reason,
		Timestamp: desired.CalculatedAt,
	})
	return Result{Desired: &desired, Evaluation: &eval, Changed: true}, nil
}

func (c *Calculator) priorResult(snapshot *api.DeviceTwinSnapshot) Result {
	if snapshot == nil {
		return Result{}
	}
	return Result{Desired: snapshot.Desired}
}

func (c *Calculator) countEvaluation(eval rules.Evaluation) {
	if c.collector == nil {
		return
	}
	switch eval.Result.Outcome {
	case api.OutcomeRefused:
		c.collector.IncEvaluation("refused")
	case api.OutcomeModified:
		c.collector.IncEvaluation("modified")
	default:
		c.collector.IncEvaluation("accepted")
	}
}

// pickCandidate applies the precedence ladder: effective override, then user
// intent, then the system's fail-safe default for the type.
func (c *Calculator) pickCandidate(snapshot *api.DeviceTwinSnapshot, system *api.FunctionalSystem,
	deviceType api.DeviceType, resolved *api.ResolvedOverride) (api.DeviceValue, api.OverrideCategory, string, bool) {
	if resolved != nil {
		return resolved.Value, resolved.Category, resolved.Reason, true
	}
	if snapshot != nil && snapshot.Intent != nil {
		return snapshot.Intent.Value, api.OverrideCategoryUserIntent, "", true
	}
	if system != nil {
		if value, ok := system.FailSafeDefault[deviceType]; ok {
			return value, api.OverrideCategoryUserIntent, failSafeReason, true
		}
	}
	return api.DeviceValue{}, "", "", false
}

// buildSafetyContext loads the snapshots of every other device in the owning
// system so interlock rules can see them, and extracts ambient readings from
// the system's temperature sensors.
func (c *Calculator) buildSafetyContext(ctx context.Context, id api.DeviceID, deviceType api.DeviceType,
	candidate api.DeviceValue, system *api.FunctionalSystem) (api.SafetyContext, error) {
	sctx := api.SafetyContext{
		DeviceID:      id,
		DeviceType:    deviceType,
		ProposedValue: candidate,
	}
	if system == nil {
		return sctx, nil
	}
	sctx.SystemID = system.ID

	related := lo.Filter(system.DeviceIDs, func(member api.DeviceID, _ int) bool {
		return member != id
	})
	sctx.RelatedDeviceStates = make(map[api.DeviceID]api.DeviceTwinSnapshot, len(related))
	for _, member := range related {
		snapshot, err := c.twin.FindTwinSnapshot(ctx, member)
		if err != nil {
			return api.SafetyContext{}, err
		}
		if snapshot == nil {
			continue
		}
		sctx.RelatedDeviceStates[member] = *snapshot

		reported := snapshot.Reported
		if reported == nil || reported.Type != api.DeviceTypeTemperatureSensor {
			continue
		}
		reading := api.AmbientReading{Sensor: member, IsError: reported.IsError}
		if reported.Celsius != nil {
			reading.Celsius = *reported.Celsius
		}
		sctx.Ambient = append(sctx.Ambient, reading)
	}
	return sctx, nil
}

func typeOf(snapshot *api.DeviceTwinSnapshot) (api.DeviceType, bool) {
	if snapshot == nil {
		return "", false
	}
	switch {
	case snapshot.Intent != nil:
		return snapshot.Intent.Type, true
	case snapshot.Desired != nil:
		return snapshot.Desired.Type, true
	case snapshot.Reported != nil:
		return snapshot.Reported.Type, true
	default:
		return "", false
	}
}

func typeFromFailSafe(system *api.FunctionalSystem) (api.DeviceType, bool) {
	if system == nil || len(system.FailSafeDefault) != 1 {
		return "", false
	}
	for deviceType := range system.FailSafeDefault {
		return deviceType, true
	}
	return "", false
}

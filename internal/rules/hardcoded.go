package rules

import (
	"regexp"

	api "github.com/twinctl/twinctl/api/v1alpha1"
)

var (
	pumpComponentPattern = regexp.MustCompile(`(?i)pump`)
	fireComponentPattern = regexp.MustCompile(`(?i)^fire`)
)

// Hardcoded returns the built-in safety rules. These are registered
// unconditionally: a failure to load the configured rule document never
// disables them.
func Hardcoded() []Rule {
	return []Rule{
		&firePumpInterlock{},
		&sensorCommandGuard{},
		&fanSpeedClamp{},
	}
}

// firePumpInterlock keeps a fire pump running while any fire indicator in the
// same system is active: a request to switch the pump off is rewritten to on.
type firePumpInterlock struct{}

func (r *firePumpInterlock) ID() string                 { return "hardcoded.fire-pump-interlock" }
func (r *firePumpInterlock) Name() string               { return "Fire pump interlock" }
func (r *firePumpInterlock) Category() api.RuleCategory { return api.RuleCategoryHardcodedSafety }
func (r *firePumpInterlock) Priority() int              { return 100 }

func (r *firePumpInterlock) AppliesTo(ctx *api.SafetyContext) bool {
	return ctx.DeviceType == api.DeviceTypeRelay &&
		pumpComponentPattern.MatchString(ctx.DeviceID.ComponentID) &&
		ctx.ProposedValue.Kind == api.ValueKindRelay && !ctx.ProposedValue.Relay
}

func (r *firePumpInterlock) Evaluate(ctx *api.SafetyContext) api.ValidationResult {
	if !r.fireActive(ctx) {
		return api.RuleAccepted(r.ID())
	}
	return api.RuleModified(r.ID(), ctx.ProposedValue, api.RelayValue(true), "pump must remain ON while fire active")
}

func (r *firePumpInterlock) SuggestCorrection(ctx *api.SafetyContext) *api.DeviceValue {
	if r.fireActive(ctx) {
		v := api.RelayValue(true)
		return &v
	}
	return nil
}

func (r *firePumpInterlock) fireActive(ctx *api.SafetyContext) bool {
	for id, snapshot := range ctx.RelatedDeviceStates {
		if !fireComponentPattern.MatchString(id.ComponentID) {
			continue
		}
		if snapshot.Desired != nil && snapshot.Desired.Value.Equal(api.RelayValue(true)) {
			return true
		}
	}
	return false
}

// sensorCommandGuard refuses any proposal aimed at a temperature sensor.
// Sensor intents are already rejected at the API boundary; this is the last
// line of defense for values arriving through other inputs.
type sensorCommandGuard struct{}

func (r *sensorCommandGuard) ID() string                 { return "hardcoded.sensor-command-guard" }
func (r *sensorCommandGuard) Name() string               { return "Sensor command guard" }
func (r *sensorCommandGuard) Category() api.RuleCategory { return api.RuleCategoryHardcodedSafety }
func (r *sensorCommandGuard) Priority() int              { return 90 }

func (r *sensorCommandGuard) AppliesTo(ctx *api.SafetyContext) bool {
	return ctx.DeviceType == api.DeviceTypeTemperatureSensor
}

func (r *sensorCommandGuard) Evaluate(ctx *api.SafetyContext) api.ValidationResult {
	return api.RuleRefused(r.ID(), "temperature sensors do not accept commands", nil)
}

// fanSpeedClamp rewrites fan values outside the firmware's 0..4 domain to the
// nearest legal step. Constructors already validate the domain; this covers
// values deserialized from external documents.
type fanSpeedClamp struct{}

func (r *fanSpeedClamp) ID() string                 { return "hardcoded.fan-speed-clamp" }
func (r *fanSpeedClamp) Name() string               { return "Fan speed clamp" }
func (r *fanSpeedClamp) Category() api.RuleCategory { return api.RuleCategoryHardcodedSafety }
func (r *fanSpeedClamp) Priority() int              { return 80 }

func (r *fanSpeedClamp) AppliesTo(ctx *api.SafetyContext) bool {
	return ctx.DeviceType == api.DeviceTypeFan &&
		ctx.ProposedValue.Kind == api.ValueKindFan &&
		(ctx.ProposedValue.Fan < 0 || ctx.ProposedValue.Fan > api.MaxFanSpeed)
}

func (r *fanSpeedClamp) Evaluate(ctx *api.SafetyContext) api.ValidationResult {
	clamped := ctx.ProposedValue.Fan
	if clamped < 0 {
		clamped = 0
	}
	if clamped > api.MaxFanSpeed {
		clamped = api.MaxFanSpeed
	}
	return api.RuleModified(r.ID(), ctx.ProposedValue, api.MustFanValue(clamped), "fan speed clamped to legal range")
}

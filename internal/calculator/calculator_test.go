package calculator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/overrides"
	"github.com/twinctl/twinctl/internal/rules"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/log"
)

type fixture struct {
	twin       store.Twin
	systems    store.System
	overrides  overrides.Store
	calculator *Calculator
	bus        *bus.Bus
}

func newFixture(t *testing.T, extraRules ...rules.Rule) *fixture {
	t.Helper()
	logger := log.InitLogs()
	kv := kvstore.NewMemoryStore()

	registry := rules.NewRegistry()
	require.NoError(t, registry.Add(rules.Hardcoded()...))
	require.NoError(t, registry.Add(extraRules...))

	twin := store.NewTwin(kv, logger, time.Second)
	systems := store.NewSystem(kv, logger, time.Second)
	overrideStore := overrides.NewStore(kv, logger, time.Second)
	eventBus := bus.New(logger)

	return &fixture{
		twin:      twin,
		systems:   systems,
		overrides: overrideStore,
		bus:       eventBus,
		calculator: New(twin, systems, overrides.NewResolver(overrideStore),
			rules.NewEngine(registry, logger, 50*time.Millisecond), eventBus, logger, nil),
	}
}

func TestIntentBecomesDesiredState(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("test", 10, api.EventDesiredStateCalculated)
	defer sub.Close()

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true), RequestedAt: time.Now().UTC(),
	}))

	result, err := f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.True(result.Changed)
	require.NotNil(result.Desired)
	require.Equal(api.RelayValue(true), result.Desired.Value)
	require.Equal(api.OverrideCategoryUserIntent, result.Desired.SourceCategory)

	select {
	case event := <-sub.C:
		require.Equal(id, *event.Device)
		require.Equal(api.RelayValue(true), *event.Value)
	default:
		t.Fatal("expected a DesiredStateCalculated event")
	}

	// recomputing without new input is quiet
	result, err = f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.False(result.Changed)
	select {
	case <-sub.C:
		t.Fatal("unchanged recomputation must not publish")
	default:
	}
}

func TestFirePumpCannotBeSwitchedOffDuringFire(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	pump := api.NewDeviceID("c1", "pump_main")
	fire := api.NewDeviceID("c1", "fire_detector")
	_, err := f.systems.CreateOrUpdateSystem(ctx, api.FunctionalSystem{
		ID: "sys-fire", Type: api.SystemTypeFireSafety, Name: "Fire safety",
		DeviceIDs: []api.DeviceID{pump, fire},
	})
	require.NoError(err)

	// the fire indicator is active
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: fire, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	}))

	// the user asks for the pump to go off
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: pump, Type: api.DeviceTypeRelay, Value: api.RelayValue(false),
	}))

	result, err := f.calculator.Recalculate(ctx, pump)
	require.NoError(err)
	require.True(result.Changed)
	require.Equal(api.RelayValue(true), result.Desired.Value, "interlock keeps the pump running")
	require.Equal(api.OutcomeModified, result.Evaluation.Result.Outcome)

	// once the fire clears, the stored intent finally takes effect
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: fire, Type: api.DeviceTypeRelay, Value: api.RelayValue(false),
	}))
	result, err = f.calculator.Recalculate(ctx, pump)
	require.NoError(err)
	require.True(result.Changed)
	require.Equal(api.RelayValue(false), result.Desired.Value)
}

func TestEmergencyOverrideBeatsIntent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := api.NewDeviceID("c1", "f1")
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: id, Type: api.DeviceTypeFan, Value: api.MustFanValue(1),
	}))

	_, err := f.overrides.PutOverride(ctx, api.Override{
		TargetID: id.String(), Scope: api.OverrideScopeDevice,
		Category: api.OverrideCategoryEmergency, Value: api.MustFanValue(4),
		Reason: "smoke extraction", CreatedAt: time.Now().UTC(),
	})
	require.NoError(err)

	result, err := f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.Equal(api.MustFanValue(4), result.Desired.Value)
	require.Equal(api.OverrideCategoryEmergency, result.Desired.SourceCategory)
	require.Equal("smoke extraction", result.Desired.Reason)

	// dropping the override falls back to the preserved intent
	require.NoError(f.overrides.DeleteOverride(ctx, api.OverrideScopeDevice, id.String(), api.OverrideCategoryEmergency))
	result, err = f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.Equal(api.MustFanValue(1), result.Desired.Value)
	require.Equal(api.OverrideCategoryUserIntent, result.Desired.SourceCategory)
}

func TestRefusedCandidateKeepsPriorDesired(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	refusing, err := rules.LoadDocument([]byte(`
rules:
  - id: system.no-heater
    name: Heaters locked out
    category: SYSTEM_SAFETY
    componentPattern: heater
    then:
      refuse: heaters are locked out
`))
	require.NoError(err)
	f := newFixture(t, refusing...)

	id := api.NewDeviceID("c1", "heater_attic")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(false),
	}))
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	}))

	result, err := f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.True(result.Refused())
	require.False(result.Changed)
	require.Equal(api.RelayValue(false), result.Desired.Value, "prior desired state survives a refusal")

	stored, err := f.twin.FindDesiredState(ctx, id)
	require.NoError(err)
	require.Equal(api.RelayValue(false), stored.Value)
}

func TestFailSafeDefaultWithoutIntent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	pump := api.NewDeviceID("c1", "pump_main")
	_, err := f.systems.CreateOrUpdateSystem(ctx, api.FunctionalSystem{
		ID: "sys-fire", Type: api.SystemTypeFireSafety, Name: "Fire safety",
		DeviceIDs: []api.DeviceID{pump},
		FailSafeDefault: map[api.DeviceType]api.DeviceValue{
			api.DeviceTypeRelay: api.RelayValue(true),
		},
	})
	require.NoError(err)

	result, err := f.calculator.Recalculate(ctx, pump)
	require.NoError(err)
	require.True(result.Changed)
	require.Equal(api.RelayValue(true), result.Desired.Value)
	require.Equal(failSafeReason, result.Desired.Reason)
}

func TestSensorsAreNeverComputed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := api.NewDeviceID("c1", "t1")
	celsius := 21.5
	require.NoError(f.twin.SaveReportedState(ctx, api.ReportedDeviceState{
		ID: id, Type: api.DeviceTypeTemperatureSensor, Celsius: &celsius, IsKnown: true,
	}))

	result, err := f.calculator.Recalculate(ctx, id)
	require.NoError(err)
	require.Nil(result.Desired)
	require.Nil(result.Evaluation)
}

func TestAmbientReadingFeedsConfiguredRule(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hot, err := rules.LoadDocument([]byte(`
rules:
  - id: system.overheat-fan
    name: Overheat forces full fan
    category: SYSTEM_SAFETY
    deviceType: FAN
    when:
      maxAmbientCelsius: 40
    then:
      force: {kind: fan, fan: 4}
      reason: overheat, forcing full speed
`))
	require.NoError(err)
	f := newFixture(t, hot...)

	fan := api.NewDeviceID("c1", "f1")
	sensor := api.NewDeviceID("c1", "t1")
	_, err = f.systems.CreateOrUpdateSystem(ctx, api.FunctionalSystem{
		ID: "sys-vent", Type: api.SystemTypeVentilation, Name: "Attic ventilation",
		DeviceIDs: []api.DeviceID{fan, sensor},
	})
	require.NoError(err)

	celsius := 52.0
	require.NoError(f.twin.SaveReportedState(ctx, api.ReportedDeviceState{
		ID: sensor, Type: api.DeviceTypeTemperatureSensor, Celsius: &celsius, IsKnown: true,
	}))
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: fan, Type: api.DeviceTypeFan, Value: api.MustFanValue(1),
	}))

	result, err := f.calculator.Recalculate(ctx, fan)
	require.NoError(err)
	require.Equal(api.MustFanValue(4), result.Desired.Value)
	require.Equal("overheat, forcing full speed", result.Desired.Reason)
}

func TestOverrideEventTriggersRecomputation(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveUserIntent(ctx, api.UserIntent{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(false),
	}))
	_, err := f.calculator.Recalculate(ctx, id)
	require.NoError(err)

	stop := f.calculator.Run(ctx)
	defer stop()

	_, err = f.overrides.PutOverride(ctx, api.Override{
		TargetID: id.String(), Scope: api.OverrideScopeDevice,
		Category: api.OverrideCategoryManual, Value: api.RelayValue(true),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(err)
	f.bus.Publish(api.Event{Type: api.EventOverrideChanged, Device: &id, Timestamp: time.Now().UTC()})

	require.Eventually(func() bool {
		desired, err := f.twin.FindDesiredState(ctx, id)
		return err == nil && desired != nil && desired.Value.Equal(api.RelayValue(true))
	}, time.Second, 10*time.Millisecond)
}

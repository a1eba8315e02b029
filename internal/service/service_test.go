package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/calculator"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/overrides"
	"github.com/twinctl/twinctl/internal/rules"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/internal/twerrors"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/log"
)

type fixture struct {
	service *Service
	twin    store.Twin
	systems store.System
	bus     *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.InitLogs()
	kv := kvstore.NewMemoryStore()

	registry := rules.NewRegistry()
	require.NoError(t, registry.Add(rules.Hardcoded()...))

	twin := store.NewTwin(kv, logger, time.Second)
	systems := store.NewSystem(kv, logger, time.Second)
	overrideStore := overrides.NewStore(kv, logger, time.Second)
	eventBus := bus.New(logger)
	calc := calculator.New(twin, systems, overrides.NewResolver(overrideStore),
		rules.NewEngine(registry, logger, 50*time.Millisecond), eventBus, logger, nil)

	service := New(twin, systems, overrideStore, calc, eventBus, logger, nil)
	t.Cleanup(service.Stop)

	return &fixture{service: service, twin: twin, systems: systems, bus: eventBus}
}

func TestPutUserIntentAccepted(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("test", 10, api.EventIntentAccepted)
	defer sub.Close()

	id := api.NewDeviceID("c1", "r1")
	result, err := f.service.PutUserIntent(ctx, api.UserIntent{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	})
	require.NoError(err)
	require.True(result.Changed)
	require.Equal(api.RelayValue(true), result.Desired.Value)

	select {
	case event := <-sub.C:
		require.Equal(id, *event.Device)
	default:
		t.Fatal("expected an IntentAccepted event")
	}

	snapshot, err := f.service.GetTwin(ctx, id)
	require.NoError(err)
	require.NotNil(snapshot.Intent)
	require.NotNil(snapshot.Desired)
}

func TestPutUserIntentRejectsSensors(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	_, err := f.service.PutUserIntent(context.Background(), api.UserIntent{
		ID: api.NewDeviceID("c1", "t1"), Type: api.DeviceTypeTemperatureSensor, Value: api.RelayValue(true),
	})
	require.ErrorIs(err, twerrors.ErrValidation)
}

func TestModifiedIntentIsStoredRaw(t *testing.T) {
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
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: fire, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	}))

	// pump off during a fire is rewritten, not refused; the intent survives
	result, err := f.service.PutUserIntent(ctx, api.UserIntent{
		ID: pump, Type: api.DeviceTypeRelay, Value: api.RelayValue(false),
	})
	require.NoError(err)
	require.Equal(api.RelayValue(true), result.Desired.Value)

	intent, err := f.twin.FindUserIntent(ctx, pump)
	require.NoError(err)
	require.Equal(api.RelayValue(false), intent.Value, "the raw intent is preserved")
}

func TestPutOverrideAbsorbsVersioning(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("test", 10, api.EventOverrideChanged)
	defer sub.Close()

	id := api.NewDeviceID("c1", "r1")
	override := api.Override{
		TargetID: id.String(), Scope: api.OverrideScopeDevice,
		Category: api.OverrideCategoryManual, Value: api.RelayValue(true),
	}

	first, err := f.service.PutOverride(ctx, override)
	require.NoError(err)
	require.Equal(int64(1), first.Version)

	// the caller never tracks versions; the service rebases
	override.Value = api.RelayValue(false)
	second, err := f.service.PutOverride(ctx, override)
	require.NoError(err)
	require.Equal(int64(2), second.Version)

	require.Len(drain(sub), 2)
}

func TestOverrideExpiryPublishesEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("test", 10, api.EventOverrideExpired)
	defer sub.Close()

	id := api.NewDeviceID("c1", "r1")
	expires := time.Now().UTC().Add(30 * time.Millisecond)
	_, err := f.service.PutOverride(ctx, api.Override{
		TargetID: id.String(), Scope: api.OverrideScopeDevice,
		Category: api.OverrideCategoryScheduled, Value: api.RelayValue(true),
		ExpiresAt: &expires,
	})
	require.NoError(err)

	select {
	case event := <-sub.C:
		require.Equal(id, *event.Device)
		require.Equal(string(api.OverrideCategoryScheduled), event.Category)
	case <-time.After(time.Second):
		t.Fatal("expected an OverrideExpired event")
	}
}

func TestHandleTelemetryOutputFeedback(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("test", 10, api.EventReportedStateChanged, api.EventDeviceConverged)
	defer sub.Close()

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	}))

	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("HIGH"), "m1"))

	reported, err := f.twin.FindReportedState(ctx, id)
	require.NoError(err)
	require.True(reported.IsKnown)
	require.Equal(api.RelayValue(true), reported.Value)

	events := drain(sub)
	require.Len(events, 2)
	require.Equal(api.EventReportedStateChanged, events[0].Type)
	require.Equal(api.EventDeviceConverged, events[1].Type)
}

func TestHandleTelemetryDivergenceEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true),
	}))
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("1"), "m1"))

	sub := f.bus.Subscribe("test", 10, api.EventDeviceDiverged)
	defer sub.Close()
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("0"), "m2"))

	events := drain(sub)
	require.Len(events, 1)
	require.Equal(id, *events[0].Device)
}

func TestHandleTelemetryDeduplicates(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("1"), "m1"))
	err := f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("1"), "m1")
	require.ErrorIs(err, twerrors.ErrDuplicateMessage)

	// without a broker id, identical content is still recognized
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r2.state", []byte("1"), ""))
	err = f.service.HandleTelemetry(ctx, ".c1.digital_output.r2.state", []byte("1"), "")
	require.ErrorIs(err, twerrors.ErrDuplicateMessage)
}

func TestHandleTelemetryTemperature(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	id := api.NewDeviceID("c1", "attic")
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.ds18b20.attic.state", []byte("21.5"), "m1"))

	reported, err := f.twin.FindReportedState(ctx, id)
	require.NoError(err)
	require.Equal(api.DeviceTypeTemperatureSensor, reported.Type)
	require.NotNil(reported.Celsius)
	require.InDelta(21.5, *reported.Celsius, 0.0001)
	require.False(reported.IsError)

	// a garbled reading is recorded as an error, not dropped
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.ds18b20.attic.state", []byte("85err"), "m2"))
	reported, err = f.twin.FindReportedState(ctx, id)
	require.NoError(err)
	require.True(reported.IsError)
	require.Nil(reported.Celsius)
}

func TestHandleTelemetryDropsMalformed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	err := f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.state", []byte("banana"), "m1")
	require.ErrorIs(err, twerrors.ErrParse)

	reported, findErr := f.twin.FindReportedState(ctx, api.NewDeviceID("c1", "r1"))
	require.NoError(findErr)
	require.Nil(reported)

	// command echoes are silently ignored
	require.NoError(f.service.HandleTelemetry(ctx, ".c1.digital_output.r1.set", []byte(`{"state":"1"}`), "m2"))
}

func drain(sub *bus.Subscription) []api.Event {
	var events []api.Event
	for {
		select {
		case event := <-sub.C:
			events = append(events, event)
		default:
			return events
		}
	}
}

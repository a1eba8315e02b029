package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/healthgate"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/internal/transport"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/log"
)

type fixture struct {
	twin      store.Twin
	gate      *healthgate.Gate
	publisher *transport.Recorder
	bus       *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.InitLogs()
	kv := kvstore.NewMemoryStore()
	return &fixture{
		twin:      store.NewTwin(kv, logger, time.Second),
		gate:      healthgate.New(logger, bus.New(logger), nil, 1, 1),
		publisher: transport.NewRecorder(),
		bus:       bus.New(logger),
	}
}

func (f *fixture) degrade(t *testing.T) {
	t.Helper()
	f.gate.RegisterProbe("kvstore", func(ctx context.Context) error { return errors.New("down") })
	f.gate.Check(context.Background())
	require.False(t, f.gate.Healthy())
}

func TestDebounceCoalescesBursts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	logger := log.InitLogs()
	immediate := NewImmediate(f.twin, f.gate, f.publisher, f.bus, logger, nil, 30*time.Millisecond)

	id := api.NewDeviceID("c1", "f1")
	// three rapid desired-state changes, last one wins
	for _, speed := range []int{1, 2, 3} {
		require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{
			ID: id, Type: api.DeviceTypeFan, Value: api.MustFanValue(speed),
		}))
		immediate.Enqueue(ctx, id)
	}
	require.Equal(1, immediate.PendingCount())

	require.Eventually(func() bool { return f.publisher.Len() == 1 }, time.Second, 5*time.Millisecond)
	commands := f.publisher.Commands()
	require.Equal(".c1.fan.f1.set", commands[0].RoutingKey)
	require.Equal("3", string(commands[0].Payload))
	require.Equal(0, immediate.PendingCount())

	// the window has passed; nothing else fires
	time.Sleep(60 * time.Millisecond)
	require.Equal(1, f.publisher.Len())
}

func TestSeparateDevicesDebounceIndependently(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	immediate := NewImmediate(f.twin, f.gate, f.publisher, f.bus, log.InitLogs(), nil, 20*time.Millisecond)

	relay := api.NewDeviceID("c1", "r1")
	fan := api.NewDeviceID("c1", "f1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: relay, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: fan, Type: api.DeviceTypeFan, Value: api.MustFanValue(2)}))

	immediate.Enqueue(ctx, relay)
	immediate.Enqueue(ctx, fan)
	require.Equal(2, immediate.PendingCount())

	require.Eventually(func() bool { return f.publisher.Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatchSkipsWhileUnhealthy(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.degrade(t)
	immediate := NewImmediate(f.twin, f.gate, f.publisher, f.bus, log.InitLogs(), nil, time.Millisecond)

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))

	immediate.Dispatch(ctx, id)
	require.Equal(0, f.publisher.Len(), "no commands while the gate is closed")
}

func TestDispatchSkipsConvergedTwin(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	immediate := NewImmediate(f.twin, f.gate, f.publisher, f.bus, log.InitLogs(), nil, time.Millisecond)

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))
	require.NoError(f.twin.SaveReportedState(ctx, api.ReportedDeviceState{
		ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true), IsKnown: true,
	}))

	immediate.Dispatch(ctx, id)
	require.Equal(0, f.publisher.Len())
}

func TestRunReactsToDesiredStateEvents(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	immediate := NewImmediate(f.twin, f.gate, f.publisher, f.bus, log.InitLogs(), nil, 5*time.Millisecond)
	stop := immediate.Run(ctx)
	defer stop()

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))
	f.bus.Publish(api.Event{Type: api.EventDesiredStateCalculated, Device: &id, Timestamp: time.Now().UTC()})

	require.Eventually(func() bool { return f.publisher.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDriftSweepResendsDivergedOnly(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	drift := NewDrift(f.twin, f.gate, f.publisher, log.InitLogs(), nil)

	diverged := api.NewDeviceID("c1", "r1")
	converged := api.NewDeviceID("c1", "r2")
	unknown := api.NewDeviceID("c1", "r3")

	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: diverged, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))
	require.NoError(f.twin.SaveReportedState(ctx, api.ReportedDeviceState{ID: diverged, Type: api.DeviceTypeRelay, Value: api.RelayValue(false), IsKnown: true}))

	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: converged, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))
	require.NoError(f.twin.SaveReportedState(ctx, api.ReportedDeviceState{ID: converged, Type: api.DeviceTypeRelay, Value: api.RelayValue(true), IsKnown: true}))

	// desired but never heard from: still diverged
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: unknown, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))

	drift.Sweep(ctx)

	commands := f.publisher.Commands()
	require.Len(commands, 2)
	keys := []string{commands[0].RoutingKey, commands[1].RoutingKey}
	require.ElementsMatch([]string{".c1.digital_output.r1.set", ".c1.digital_output.r3.set"}, keys)
}

func TestDriftSweepSkipsWhileUnhealthy(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.degrade(t)
	drift := NewDrift(f.twin, f.gate, f.publisher, log.InitLogs(), nil)

	id := api.NewDeviceID("c1", "r1")
	require.NoError(f.twin.SaveDesiredState(ctx, api.DesiredDeviceState{ID: id, Type: api.DeviceTypeRelay, Value: api.RelayValue(true)}))

	drift.Sweep(ctx)
	require.Equal(0, f.publisher.Len())
}

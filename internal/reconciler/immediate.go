package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/healthgate"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/internal/transport"
	"github.com/twinctl/twinctl/internal/wire"
	"github.com/twinctl/twinctl/pkg/bus"
)

// Immediate reacts to desired-state changes with a per-device debounce: each
// change arms (or re-arms) a timer, and only the timer that survives the
// window dispatches. The command is built from the desired state read at fire
// time, so a burst of changes collapses into one command carrying the latest
// value.
type Immediate struct {
	twin      store.Twin
	gate      *healthgate.Gate
	publisher transport.CommandPublisher
	bus       *bus.Bus
	log       logrus.FieldLogger
	collector *metrics.ReconcilerCollector
	debounce  time.Duration

	mu      sync.Mutex
	pending map[api.DeviceID]*pendingEntry
	wg      sync.WaitGroup
}

type pendingEntry struct {
	timer *time.Timer
}

func NewImmediate(twin store.Twin, gate *healthgate.Gate, publisher transport.CommandPublisher,
	eventBus *bus.Bus, log logrus.FieldLogger, collector *metrics.ReconcilerCollector, debounce time.Duration) *Immediate {
	return &Immediate{
		twin:      twin,
		gate:      gate,
		publisher: publisher,
		bus:       eventBus,
		log:       log,
		collector: collector,
		debounce:  debounce,
		pending:   make(map[api.DeviceID]*pendingEntry),
	}
}

// Run subscribes to desired-state changes. The returned stop function drains
// the subscription and cancels every armed timer.
func (r *Immediate) Run(ctx context.Context) func() {
	sub := r.bus.Subscribe("reconciler.immediate", 256, api.EventDesiredStateCalculated)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if event.Device != nil {
					r.Enqueue(ctx, *event.Device)
				}
			}
		}
	}()

	return func() {
		sub.Close()
		r.wg.Wait()
		r.cancelAll()
	}
}

// Enqueue arms the debounce timer for a device, superseding any timer already
// pending for it.
func (r *Immediate) Enqueue(ctx context.Context, id api.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pending[id]; ok {
		existing.timer.Stop()
		if r.collector != nil {
			r.collector.IncDebounced()
		}
	}
	entry := &pendingEntry{}
	entry.timer = time.AfterFunc(r.debounce, func() {
		r.fire(ctx, id, entry)
	})
	r.pending[id] = entry
	r.setPendingGauge()
}

func (r *Immediate) fire(ctx context.Context, id api.DeviceID, entry *pendingEntry) {
	r.mu.Lock()
	if r.pending[id] != entry {
		// superseded between timer expiry and this callback
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.setPendingGauge()
	r.mu.Unlock()

	r.Dispatch(ctx, id)
}

// Dispatch emits the command for a device's current desired state. It is a
// no-op while the infrastructure gate is closed or when the device has
// already converged.
func (r *Immediate) Dispatch(ctx context.Context, id api.DeviceID) {
	if !r.gate.Healthy() {
		if r.collector != nil {
			r.collector.IncSkippedUnhealthy()
		}
		r.log.Warnf("holding back command for %s, infrastructure unhealthy", id)
		return
	}

	snapshot, err := r.twin.FindTwinSnapshot(ctx, id)
	if err != nil {
		r.log.WithError(err).Errorf("loading twin for %s", id)
		return
	}
	if snapshot == nil || snapshot.Desired == nil {
		return
	}
	if snapshot.IsConverged() {
		if r.collector != nil {
			r.collector.IncSkippedConverged()
		}
		return
	}

	command, err := wire.BuildCommand(id, snapshot.Desired.Type, snapshot.Desired.Value)
	if err != nil {
		r.log.WithError(err).Errorf("building command for %s", id)
		return
	}
	if err := r.publisher.Publish(ctx, command); err != nil {
		r.log.WithError(err).Errorf("publishing command for %s", id)
		return
	}
	if r.collector != nil {
		r.collector.IncSent("immediate")
	}
	r.log.Infof("sent %s to %s", snapshot.Desired.Value, id)
}

func (r *Immediate) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.pending {
		entry.timer.Stop()
		delete(r.pending, id)
	}
	r.setPendingGauge()
}

// PendingCount is read by tests and diagnostics.
func (r *Immediate) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Immediate) setPendingGauge() {
	if r.collector != nil {
		r.collector.SetPending(len(r.pending))
	}
}

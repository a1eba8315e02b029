package reconciler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/healthgate"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/store"
	"github.com/twinctl/twinctl/internal/transport"
	"github.com/twinctl/twinctl/internal/wire"
	"github.com/twinctl/twinctl/pkg/thread"
)

const sweepConcurrency = 8

// Drift is the safety net behind the immediate reconciler: it periodically
// sweeps every indexed output device and re-emits the command for any twin
// that is still diverged, covering lost commands, rebooted controllers and
// messages dropped while the infrastructure gate was closed.
type Drift struct {
	twin      store.Twin
	gate      *healthgate.Gate
	publisher transport.CommandPublisher
	log       logrus.FieldLogger
	collector *metrics.ReconcilerCollector

	sweeper *thread.Thread
}

func NewDrift(twin store.Twin, gate *healthgate.Gate, publisher transport.CommandPublisher,
	log logrus.FieldLogger, collector *metrics.ReconcilerCollector) *Drift {
	return &Drift{
		twin:      twin,
		gate:      gate,
		publisher: publisher,
		log:       log,
		collector: collector,
	}
}

func (d *Drift) Start(ctx context.Context, period time.Duration) {
	d.sweeper = thread.New(ctx, d.log.WithField("pkg", "reconciler"), "Drift sweep", period, d.Sweep)
	d.sweeper.Start()
}

func (d *Drift) Stop() {
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
}

// Sweep runs one full pass. Exported so tests and the startup path can force
// a sweep without waiting out the period.
func (d *Drift) Sweep(ctx context.Context) {
	if !d.gate.Healthy() {
		if d.collector != nil {
			d.collector.IncSkippedUnhealthy()
		}
		d.log.Debug("skipping drift sweep, infrastructure unhealthy")
		return
	}

	ids, err := d.twin.GetAllIndexedDeviceKeys(ctx)
	if err != nil {
		d.log.WithError(err).Error("listing indexed devices")
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			d.sweepOne(ctx, id)
			return nil
		})
	}
	_ = group.Wait()
}

func (d *Drift) sweepOne(ctx context.Context, id api.DeviceID) {
	snapshot, err := d.twin.FindTwinSnapshot(ctx, id)
	if err != nil {
		d.log.WithError(err).Errorf("loading twin for %s", id)
		return
	}
	if snapshot == nil || snapshot.Desired == nil || snapshot.IsConverged() {
		return
	}

	command, err := wire.BuildCommand(id, snapshot.Desired.Type, snapshot.Desired.Value)
	if err != nil {
		d.log.WithError(err).Errorf("building command for %s", id)
		return
	}
	if err := d.publisher.Publish(ctx, command); err != nil {
		d.log.WithError(err).Errorf("publishing command for %s", id)
		return
	}
	if d.collector != nil {
		d.collector.IncSent("drift")
	}
	d.log.Infof("drift: re-sent %s to %s", snapshot.Desired.Value, id)
}

package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/pkg/bus"
)

const (
	firehoseChannel  = "twinctl:events"
	perKeyChannelFmt = "twinctl:events:"
)

var allEventTypes = []api.EventType{
	api.EventDesiredStateCalculated,
	api.EventIntentAccepted,
	api.EventIntentRejected,
	api.EventIntentModified,
	api.EventReportedStateChanged,
	api.EventDeviceConverged,
	api.EventDeviceDiverged,
	api.EventOverrideChanged,
	api.EventOverrideExpired,
	api.EventInfrastructureFailure,
}

// Fanout mirrors the in-process bus onto redis pub/sub so real-time clients
// on other processes can follow twin activity. Every event goes to the
// firehose channel and to a per-key channel clients use to watch a single
// device or system. Delivery is best effort.
type Fanout struct {
	client  *redis.Client
	bus     *bus.Bus
	log     logrus.FieldLogger
	timeout time.Duration

	wg sync.WaitGroup
}

func New(client *redis.Client, eventBus *bus.Bus, log logrus.FieldLogger, timeout time.Duration) *Fanout {
	return &Fanout{client: client, bus: eventBus, log: log, timeout: timeout}
}

func (f *Fanout) Run(ctx context.Context) func() {
	sub := f.bus.Subscribe("fanout", 512, allEventTypes...)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				f.forward(ctx, event)
			}
		}
	}()

	return func() {
		sub.Close()
		f.wg.Wait()
	}
}

func (f *Fanout) forward(ctx context.Context, event api.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		f.log.WithError(err).Errorf("encoding %s event", event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	pipe := f.client.Pipeline()
	pipe.Publish(ctx, firehoseChannel, body)
	if key := event.Key(); key != "" {
		pipe.Publish(ctx, perKeyChannelFmt+key, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		f.log.WithError(err).Errorf("forwarding %s event for %s", event.Type, event.Key())
	}
}

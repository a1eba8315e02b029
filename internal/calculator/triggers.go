package calculator

import (
	"context"

	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// Run starts the trigger loop: override changes and expirations recompute the
// affected devices, and a new sensor reading recomputes the outputs of the
// sensor's system so temperature-conditioned rules see it. Returns after
// wiring the subscription; Stop drains it.
func (c *Calculator) Run(ctx context.Context) func() {
	sub := c.bus.Subscribe("calculator", 256,
		api.EventOverrideChanged, api.EventOverrideExpired, api.EventReportedStateChanged)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				c.handleEvent(ctx, event)
			}
		}
	}()

	return func() {
		sub.Close()
		c.wg.Wait()
	}
}

func (c *Calculator) handleEvent(ctx context.Context, event api.Event) {
	switch event.Type {
	case api.EventOverrideChanged, api.EventOverrideExpired:
		if event.Device != nil {
			c.recalcOne(ctx, *event.Device)
			return
		}
		if event.SystemID != "" {
			c.recalcSystem(ctx, event.SystemID, nil)
		}
	case api.EventReportedStateChanged:
		// only sensor readings feed back into desired-state computation;
		// output feedback is convergence data for the reconcilers
		if event.Device == nil || event.Value != nil {
			return
		}
		system, err := c.systems.SystemOfDevice(ctx, *event.Device)
		if err != nil {
			c.log.WithError(err).Errorf("resolving system of %s", event.Device)
			return
		}
		if system != nil {
			c.recalcSystem(ctx, system.ID, event.Device)
		}
	}
}

func (c *Calculator) recalcOne(ctx context.Context, id api.DeviceID) {
	if _, err := c.Recalculate(ctx, id); err != nil {
		c.log.WithError(err).Errorf("recalculating %s", id)
	}
}

func (c *Calculator) recalcSystem(ctx context.Context, systemID string, skip *api.DeviceID) {
	system, err := c.systems.GetSystem(ctx, systemID)
	if err != nil {
		c.log.WithError(err).Errorf("loading system %s", systemID)
		return
	}
	for _, member := range system.DeviceIDs {
		if skip != nil && member == *skip {
			continue
		}
		c.recalcOne(ctx, member)
	}
}

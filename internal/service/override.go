package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/twerrors"
	"github.com/twinctl/twinctl/pkg/bus"
	"github.com/twinctl/twinctl/pkg/poll"
)

var overrideRetry = &poll.Config{BaseDelay: 10 * time.Millisecond, Factor: 2}

// PutOverride upserts an override. A concurrent writer racing on the same
// (target, category) slot is absorbed by re-reading the stored version and
// retrying, last write wins. The change event triggers recomputation of the
// affected devices.
func (s *Service) PutOverride(ctx context.Context, override api.Override) (*api.Override, error) {
	if override.CreatedAt.IsZero() {
		override.CreatedAt = time.Now().UTC()
	}

	var stored *api.Override
	err := poll.Retry(ctx, overrideRetry, 3, func(ctx context.Context) (bool, error) {
		current, err := s.overrides.GetOverride(ctx, override.Scope, override.TargetID, override.Category)
		if err != nil {
			return false, err
		}
		if current != nil {
			override.Version = current.Version
		} else {
			override.Version = 0
		}
		stored, err = s.overrides.PutOverride(ctx, override)
		return twerrors.IsRetryable(err), err
	})
	if err != nil {
		return nil, err
	}

	event := s.overrideEvent(api.EventOverrideChanged, *stored)
	s.bus.Publish(event)
	s.expiry.schedule(*stored)
	return stored, nil
}

// DeleteOverride removes an override slot and triggers recomputation.
func (s *Service) DeleteOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) error {
	if err := s.overrides.DeleteOverride(ctx, scope, targetID, category); err != nil {
		return err
	}
	s.expiry.cancel(scope, targetID, category)
	s.bus.Publish(s.overrideEvent(api.EventOverrideChanged, api.Override{
		Scope: scope, TargetID: targetID, Category: category,
	}))
	return nil
}

// GetOverride returns the active override in a slot, nil when none.
func (s *Service) GetOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) (*api.Override, error) {
	return s.overrides.GetOverride(ctx, scope, targetID, category)
}

// ActiveOverrides lists the non-expired overrides for a target.
func (s *Service) ActiveOverrides(ctx context.Context, scope api.OverrideScope, targetID string) ([]api.Override, error) {
	return s.overrides.ActiveOverrides(ctx, scope, targetID)
}

func (s *Service) overrideEvent(eventType api.EventType, override api.Override) api.Event {
	event := api.Event{
		Type:      eventType,
		Category:  string(override.Category),
		Reason:    override.Reason,
		Timestamp: time.Now().UTC(),
	}
	if override.Scope == api.OverrideScopeSystem {
		event.SystemID = override.TargetID
	} else if id, err := api.ParseDeviceID(override.TargetID); err == nil {
		event.Device = &id
	}
	return event
}

// expiryScheduler publishes OverrideExpired the moment an override's TTL
// elapses, so expiry-driven recomputation does not wait for the next read.
// The store independently treats the record as gone, making a missed timer
// (process restart) merely a latency issue until the drift sweep.
type expiryScheduler struct {
	bus *bus.Bus
	log logrus.FieldLogger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newExpiryScheduler(eventBus *bus.Bus, log logrus.FieldLogger) *expiryScheduler {
	return &expiryScheduler{bus: eventBus, log: log, timers: make(map[string]*time.Timer)}
}

func slotKey(scope api.OverrideScope, targetID string, category api.OverrideCategory) string {
	return string(scope) + ":" + targetID + ":" + string(category)
}

func (e *expiryScheduler) schedule(override api.Override) {
	key := slotKey(override.Scope, override.TargetID, override.Category)
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.timers[key]; ok {
		timer.Stop()
		delete(e.timers, key)
	}
	if override.ExpiresAt == nil {
		return
	}
	delay := time.Until(*override.ExpiresAt)
	e.timers[key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()

		e.log.Infof("override %s/%s/%s expired", override.Scope, override.TargetID, override.Category)
		event := api.Event{
			Type:      api.EventOverrideExpired,
			Category:  string(override.Category),
			Timestamp: time.Now().UTC(),
		}
		if override.Scope == api.OverrideScopeSystem {
			event.SystemID = override.TargetID
		} else if id, err := api.ParseDeviceID(override.TargetID); err == nil {
			event.Device = &id
		}
		e.bus.Publish(event)
	})
}

func (e *expiryScheduler) cancel(scope api.OverrideScope, targetID string, category api.OverrideCategory) {
	key := slotKey(scope, targetID, category)
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[key]; ok {
		timer.Stop()
		delete(e.timers, key)
	}
}

func (e *expiryScheduler) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
}

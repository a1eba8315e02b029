package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/twerrors"
	"github.com/twinctl/twinctl/internal/wire"
)

// HandleTelemetry ingests one message from the device side: a .state routing
// key plus payload, with an optional broker message id for deduplication.
// Malformed payloads and duplicates are dropped without touching the twin.
func (s *Service) HandleTelemetry(ctx context.Context, routingKey string, payload []byte, messageID string) error {
	key, err := wire.ParseRoutingKey(routingKey)
	if err != nil {
		s.dropped("parse")
		return err
	}
	if key.Suffix != wire.SuffixState {
		// our own outbound commands echoed back by the broker
		s.dropped("not_state")
		return nil
	}

	if s.isDuplicate(routingKey, payload, messageID) {
		s.dropped("duplicate")
		return fmt.Errorf("message %s for %s: %w", messageID, key.DeviceID(), twerrors.ErrDuplicateMessage)
	}

	deviceType, err := wire.DeviceTypeForHandler(key.Handler)
	if err != nil {
		s.dropped("unknown_handler")
		return err
	}

	id := key.DeviceID()
	reported := api.ReportedDeviceState{
		ID:         id,
		Type:       deviceType,
		ReceivedAt: time.Now().UTC(),
		IsKnown:    true,
	}

	var reportedValue *api.DeviceValue
	if key.IsTemperature() {
		celsius, isError := wire.ParseTemperature(payload)
		reported.IsError = isError
		if !isError {
			reported.Celsius = &celsius
		}
	} else {
		value, err := wire.ParseReported(key.Handler, payload)
		if err != nil {
			s.dropped("parse")
			return err
		}
		reported.Value = value
		reportedValue = &value
	}

	// read the prior snapshot so convergence transitions can be observed
	prior, err := s.twin.FindTwinSnapshot(ctx, id)
	if err != nil {
		return err
	}
	wasConverged := prior != nil && prior.IsConverged()

	if err := s.twin.SaveReportedState(ctx, reported); err != nil {
		return err
	}
	if s.telemetry != nil {
		s.telemetry.IncProcessed()
	}

	s.bus.Publish(api.Event{
		Type:      api.EventReportedStateChanged,
		Device:    &id,
		Value:     reportedValue,
		Timestamp: reported.ReceivedAt,
	})

	if deviceType.IsOutput() {
		s.publishConvergenceTransition(prior, reported, wasConverged)
	}
	return nil
}

func (s *Service) publishConvergenceTransition(prior *api.DeviceTwinSnapshot, reported api.ReportedDeviceState, wasConverged bool) {
	var desired *api.DesiredDeviceState
	if prior != nil {
		desired = prior.Desired
	}
	now := api.DeviceTwinSnapshot{ID: reported.ID, Desired: desired, Reported: &reported}
	isConverged := now.IsConverged()
	if isConverged == wasConverged {
		return
	}
	eventType := api.EventDeviceDiverged
	if isConverged {
		eventType = api.EventDeviceConverged
	}
	s.bus.Publish(api.Event{
		Type:      eventType,
		Device:    &reported.ID,
		Value:     &reported.Value,
		Timestamp: reported.ReceivedAt,
	})
}

// isDuplicate records the message identity in the dedup cache and reports
// whether it was already there. Messages without a broker id are identified
// by a UUID derived from their content.
func (s *Service) isDuplicate(routingKey string, payload []byte, messageID string) bool {
	if messageID == "" {
		messageID = uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(routingKey), payload...)).String()
	}
	if item := s.seen.Get(messageID, ttlcache.WithDisableTouchOnHit[string, struct{}]()); item != nil {
		return true
	}
	s.seen.Set(messageID, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (s *Service) dropped(reason string) {
	if s.telemetry != nil {
		s.telemetry.IncDropped(reason)
	}
}

package service

import (
	"context"
	"fmt"
	"time"

	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/calculator"
	"github.com/twinctl/twinctl/internal/twerrors"
)

// PutUserIntent validates and stores an intent, recomputes the desired state
// and reports the outcome. A refused intent is still stored so it takes
// effect once the refusing condition clears; the error tells the caller it
// did not take effect now.
func (s *Service) PutUserIntent(ctx context.Context, intent api.UserIntent) (calculator.Result, error) {
	if errs := intent.Validate(); len(errs) > 0 {
		return calculator.Result{}, fmt.Errorf("%v: %w", errs, twerrors.ErrValidation)
	}
	if intent.RequestedAt.IsZero() {
		intent.RequestedAt = time.Now().UTC()
	}

	if err := s.twin.SaveUserIntent(ctx, intent); err != nil {
		return calculator.Result{}, err
	}

	result, err := s.calculator.Recalculate(ctx, intent.ID)
	if err != nil {
		return calculator.Result{}, err
	}

	event := api.Event{Device: &intent.ID, Value: &intent.Value, Timestamp: time.Now().UTC()}
	switch {
	case result.Refused():
		event.Type = api.EventIntentRejected
		event.Reason = result.Evaluation.Result.Reason
		s.bus.Publish(event)
		return result, fmt.Errorf("intent for %s refused by %s (%s): %w",
			intent.ID, result.Evaluation.Result.RuleID, result.Evaluation.Result.Reason, twerrors.ErrSafetyBlock)
	case result.Evaluation != nil && result.Evaluation.Result.Outcome == api.OutcomeModified:
		event.Type = api.EventIntentModified
		event.Value = &result.Evaluation.FinalValue
		event.Reason = result.Evaluation.Result.Reason
	default:
		event.Type = api.EventIntentAccepted
	}
	s.bus.Publish(event)
	return result, nil
}

// GetTwin returns the full twin snapshot for a device.
func (s *Service) GetTwin(ctx context.Context, id api.DeviceID) (*api.DeviceTwinSnapshot, error) {
	snapshot, err := s.twin.FindTwinSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("device %s: %w", id, twerrors.ErrNotFound)
	}
	return snapshot, nil
}

// ListActiveDevices returns the desired states of every indexed output device.
func (s *Service) ListActiveDevices(ctx context.Context) ([]api.DesiredDeviceState, error) {
	return s.twin.FindAllActiveOutputDevices(ctx)
}

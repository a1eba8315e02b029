package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/twerrors"
)

const (
	intentKeyPrefix   = "twin:intent:"
	desiredKeyPrefix  = "twin:desired:"
	reportedKeyPrefix = "twin:reported:"
	activityKeyPrefix = "twin:activity:"
	outputIndexKey    = "twin:index:output"
)

// Twin is the facade over the KV backend holding the three twin facets per
// device plus the last-activity marker and the active-output index.
type Twin interface {
	SaveUserIntent(ctx context.Context, intent api.UserIntent) error
	FindUserIntent(ctx context.Context, id api.DeviceID) (*api.UserIntent, error)
	SaveReportedState(ctx context.Context, state api.ReportedDeviceState) error
	FindReportedState(ctx context.Context, id api.DeviceID) (*api.ReportedDeviceState, error)
	SaveDesiredState(ctx context.Context, state api.DesiredDeviceState) error
	FindDesiredState(ctx context.Context, id api.DeviceID) (*api.DesiredDeviceState, error)
	FindAllActiveOutputDevices(ctx context.Context) ([]api.DesiredDeviceState, error)
	FindTwinSnapshot(ctx context.Context, id api.DeviceID) (*api.DeviceTwinSnapshot, error)
	FindLastActivity(ctx context.Context, id api.DeviceID) (*time.Time, error)
	DeviceExists(ctx context.Context, id api.DeviceID) (bool, error)
	DeleteDevice(ctx context.Context, id api.DeviceID) error
	IndexOutputDevice(ctx context.Context, id api.DeviceID) error
	RemoveFromIndex(ctx context.Context, id api.DeviceID) error
	GetAllIndexedDeviceKeys(ctx context.Context) ([]api.DeviceID, error)
}

type twinStore struct {
	kv      kvstore.KVStore
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewTwin(kv kvstore.KVStore, log logrus.FieldLogger, timeout time.Duration) Twin {
	return &twinStore{kv: kv, log: log, timeout: timeout}
}

func (s *twinStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func intentKey(id api.DeviceID) string   { return intentKeyPrefix + id.String() }
func desiredKey(id api.DeviceID) string  { return desiredKeyPrefix + id.String() }
func reportedKey(id api.DeviceID) string { return reportedKeyPrefix + id.String() }
func activityKey(id api.DeviceID) string { return activityKeyPrefix + id.String() }

func (s *twinStore) touch(ctx context.Context, id api.DeviceID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.kv.Set(ctx, activityKey(id), []byte(now), 0)
}

func (s *twinStore) SaveUserIntent(ctx context.Context, intent api.UserIntent) error {
	if intent.ID.IsZero() {
		return twerrors.ErrDeviceIsNil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	value, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encoding intent: %w", err)
	}
	if err := s.kv.Set(ctx, intentKey(intent.ID), value, 0); err != nil {
		return err
	}
	return s.touch(ctx, intent.ID)
}

func (s *twinStore) FindUserIntent(ctx context.Context, id api.DeviceID) (*api.UserIntent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.kv.Get(ctx, intentKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeIntent(id, raw)
}

func decodeIntent(id api.DeviceID, raw []byte) (*api.UserIntent, error) {
	var intent api.UserIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("decoding intent for %s: %w", id, twerrors.ErrCorruptState)
	}
	if !intent.Value.CompatibleWith(intent.Type) {
		return nil, fmt.Errorf("intent value %s for %s type %s: %w", intent.Value, id, intent.Type, twerrors.ErrCorruptState)
	}
	return &intent, nil
}

func (s *twinStore) SaveReportedState(ctx context.Context, state api.ReportedDeviceState) error {
	if state.ID.IsZero() {
		return twerrors.ErrDeviceIsNil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding reported state: %w", err)
	}
	if err := s.kv.Set(ctx, reportedKey(state.ID), value, 0); err != nil {
		return err
	}
	return s.touch(ctx, state.ID)
}

func (s *twinStore) FindReportedState(ctx context.Context, id api.DeviceID) (*api.ReportedDeviceState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.kv.Get(ctx, reportedKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeReported(id, raw)
}

func decodeReported(id api.DeviceID, raw []byte) (*api.ReportedDeviceState, error) {
	var state api.ReportedDeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding reported state for %s: %w", id, twerrors.ErrCorruptState)
	}
	// sensors report readings, not values; only output types are checked
	if state.Type.IsOutput() && !state.Value.CompatibleWith(state.Type) {
		return nil, fmt.Errorf("reported value %s for %s type %s: %w", state.Value, id, state.Type, twerrors.ErrCorruptState)
	}
	return &state, nil
}

func (s *twinStore) SaveDesiredState(ctx context.Context, state api.DesiredDeviceState) error {
	if state.ID.IsZero() {
		return twerrors.ErrDeviceIsNil
	}
	if !state.Value.CompatibleWith(state.Type) {
		return fmt.Errorf("desired value %s for type %s: %w", state.Value, state.Type, twerrors.ErrValidation)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding desired state: %w", err)
	}
	if err := s.kv.Set(ctx, desiredKey(state.ID), value, 0); err != nil {
		return err
	}
	// every output device with a desired state is subject to reconciliation
	if state.Type.IsOutput() {
		if err := s.kv.SAdd(ctx, outputIndexKey, state.ID.String()); err != nil {
			return err
		}
	}
	return s.touch(ctx, state.ID)
}

func (s *twinStore) FindDesiredState(ctx context.Context, id api.DeviceID) (*api.DesiredDeviceState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.kv.Get(ctx, desiredKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeDesired(id, raw)
}

func decodeDesired(id api.DeviceID, raw []byte) (*api.DesiredDeviceState, error) {
	var state api.DesiredDeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding desired state for %s: %w", id, twerrors.ErrCorruptState)
	}
	if !state.Value.CompatibleWith(state.Type) {
		return nil, fmt.Errorf("desired value %s for %s type %s: %w", state.Value, id, state.Type, twerrors.ErrCorruptState)
	}
	return &state, nil
}

func (s *twinStore) FindAllActiveOutputDevices(ctx context.Context) ([]api.DesiredDeviceState, error) {
	ids, err := s.GetAllIndexedDeviceKeys(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = desiredKey(id)
	}
	raws, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	states := make([]api.DesiredDeviceState, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		state, err := decodeDesired(ids[i], raw)
		if err != nil {
			s.log.WithError(err).Errorf("skipping indexed device %s", ids[i])
			continue
		}
		states = append(states, *state)
	}
	return states, nil
}

// FindTwinSnapshot reads all three twin facets in a single round-trip.
func (s *twinStore) FindTwinSnapshot(ctx context.Context, id api.DeviceID) (*api.DeviceTwinSnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raws, err := s.kv.MGet(ctx, intentKey(id), desiredKey(id), reportedKey(id))
	if err != nil {
		return nil, err
	}
	snapshot := api.DeviceTwinSnapshot{ID: id}
	if raws[0] != nil {
		if snapshot.Intent, err = decodeIntent(id, raws[0]); err != nil {
			return nil, err
		}
	}
	if raws[1] != nil {
		if snapshot.Desired, err = decodeDesired(id, raws[1]); err != nil {
			return nil, err
		}
	}
	if raws[2] != nil {
		if snapshot.Reported, err = decodeReported(id, raws[2]); err != nil {
			return nil, err
		}
	}
	if snapshot.Intent == nil && snapshot.Desired == nil && snapshot.Reported == nil {
		return nil, nil
	}
	return &snapshot, nil
}

func (s *twinStore) FindLastActivity(ctx context.Context, id api.DeviceID) (*time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.kv.Get(ctx, activityKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding last activity for %s: %w", id, twerrors.ErrCorruptState)
	}
	return &t, nil
}

func (s *twinStore) DeviceExists(ctx context.Context, id api.DeviceID) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raws, err := s.kv.MGet(ctx, intentKey(id), desiredKey(id), reportedKey(id))
	if err != nil {
		return false, err
	}
	return raws[0] != nil || raws[1] != nil || raws[2] != nil, nil
}

func (s *twinStore) DeleteDevice(ctx context.Context, id api.DeviceID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, intentKey(id), desiredKey(id), reportedKey(id), activityKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, outputIndexKey, id.String())
}

func (s *twinStore) IndexOutputDevice(ctx context.Context, id api.DeviceID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.kv.SAdd(ctx, outputIndexKey, id.String())
}

func (s *twinStore) RemoveFromIndex(ctx context.Context, id api.DeviceID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.kv.SRem(ctx, outputIndexKey, id.String())
}

func (s *twinStore) GetAllIndexedDeviceKeys(ctx context.Context) ([]api.DeviceID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	members, err := s.kv.SMembers(ctx, outputIndexKey)
	if err != nil {
		return nil, err
	}
	ids := make([]api.DeviceID, 0, len(members))
	for _, member := range members {
		id, err := api.ParseDeviceID(member)
		if err != nil {
			s.log.Errorf("skipping malformed index entry %q", member)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

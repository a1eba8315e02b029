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
	systemKeyPrefix = "system:record:"
	memberKeyPrefix = "system:member:"
)

// System persists FunctionalSystems and the device-to-system membership map.
// Membership is exclusive: indexing a device under a second system is a
// validation error.
type System interface {
	CreateOrUpdateSystem(ctx context.Context, system api.FunctionalSystem) (*api.FunctionalSystem, error)
	GetSystem(ctx context.Context, id string) (*api.FunctionalSystem, error)
	DeleteSystem(ctx context.Context, id string) error
	// SystemOfDevice resolves the owning system, nil when the device is
	// unassigned.
	SystemOfDevice(ctx context.Context, id api.DeviceID) (*api.FunctionalSystem, error)
}

type systemStore struct {
	kv      kvstore.KVStore
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewSystem(kv kvstore.KVStore, log logrus.FieldLogger, timeout time.Duration) System {
	return &systemStore{kv: kv, log: log, timeout: timeout}
}

func systemKey(id string) string       { return systemKeyPrefix + id }
func memberKey(id api.DeviceID) string { return memberKeyPrefix + id.String() }

// CreateOrUpdateSystem upserts under optimistic concurrency: the caller's
// version must match the stored one (zero for creation). The returned system
// carries the incremented version.
func (s *systemStore) CreateOrUpdateSystem(ctx context.Context, system api.FunctionalSystem) (*api.FunctionalSystem, error) {
	if errs := system.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%v: %w", errs, twerrors.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// exclusive membership check against the reverse map
	for _, id := range system.DeviceIDs {
		owner, err := s.kv.Get(ctx, memberKey(id))
		if err != nil {
			return nil, err
		}
		if owner != nil && string(owner) != system.ID {
			return nil, fmt.Errorf("device %s already belongs to system %s: %w", id, owner, twerrors.ErrValidation)
		}
	}

	var previous *api.FunctionalSystem
	err := s.kv.Update(ctx, systemKey(system.ID), 0, func(current []byte) ([]byte, error) {
		var storedVersion int64
		if current != nil {
			var stored api.FunctionalSystem
			if err := json.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decoding system %s: %w", system.ID, twerrors.ErrCorruptState)
			}
			previous = &stored
			storedVersion = stored.Version
		}
		if system.Version != storedVersion {
			return nil, fmt.Errorf("system %s version %d, stored %d: %w", system.ID, system.Version, storedVersion, twerrors.ErrVersionConflict)
		}
		system.Version = storedVersion + 1
		return json.Marshal(system)
	})
	if err != nil {
		return nil, err
	}

	// reconcile the reverse membership map with the new device list
	if previous != nil {
		for _, id := range previous.DeviceIDs {
			if !system.ContainsDevice(id) {
				if err := s.kv.Delete(ctx, memberKey(id)); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, id := range system.DeviceIDs {
		if err := s.kv.Set(ctx, memberKey(id), []byte(system.ID), 0); err != nil {
			return nil, err
		}
	}
	return &system, nil
}

func (s *systemStore) GetSystem(ctx context.Context, id string) (*api.FunctionalSystem, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.kv.Get(ctx, systemKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("system %s: %w", id, twerrors.ErrNotFound)
	}
	var system api.FunctionalSystem
	if err := json.Unmarshal(raw, &system); err != nil {
		return nil, fmt.Errorf("decoding system %s: %w", id, twerrors.ErrCorruptState)
	}
	return &system, nil
}

func (s *systemStore) DeleteSystem(ctx context.Context, id string) error {
	system, err := s.GetSystem(ctx, id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, deviceID := range system.DeviceIDs {
		if err := s.kv.Delete(ctx, memberKey(deviceID)); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, systemKey(id))
}

func (s *systemStore) SystemOfDevice(ctx context.Context, id api.DeviceID) (*api.FunctionalSystem, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	owner, err := s.kv.Get(ctx, memberKey(id))
	if err != nil || owner == nil {
		return nil, err
	}
	raw, err := s.kv.Get(ctx, systemKey(string(owner)))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// dangling membership entry, treat as unassigned
		s.log.Errorf("device %s points at missing system %s", id, owner)
		return nil, nil
	}
	var system api.FunctionalSystem
	if err := json.Unmarshal(raw, &system); err != nil {
		return nil, fmt.Errorf("decoding system %s: %w", owner, twerrors.ErrCorruptState)
	}
	return &system, nil
}

package service

import (
	"context"

	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// CreateOrUpdateSystem upserts a functional system and recomputes its output
// devices, so newly attached members pick up fail-safe defaults and
// system-scoped overrides right away.
func (s *Service) CreateOrUpdateSystem(ctx context.Context, system api.FunctionalSystem) (*api.FunctionalSystem, error) {
	stored, err := s.systems.CreateOrUpdateSystem(ctx, system)
	if err != nil {
		return nil, err
	}
	for _, member := range stored.DeviceIDs {
		if _, err := s.calculator.Recalculate(ctx, member); err != nil {
			s.log.WithError(err).Errorf("recalculating %s after system update", member)
		}
	}
	return stored, nil
}

func (s *Service) GetSystem(ctx context.Context, id string) (*api.FunctionalSystem, error) {
	return s.systems.GetSystem(ctx, id)
}

func (s *Service) DeleteSystem(ctx context.Context, id string) error {
	return s.systems.DeleteSystem(ctx, id)
}

// SystemOfDevice resolves the owning system of a device, nil when unassigned.
func (s *Service) SystemOfDevice(ctx context.Context, id api.DeviceID) (*api.FunctionalSystem, error) {
	return s.systems.SystemOfDevice(ctx, id)
}

package overrides

import (
	"context"

	api "github.com/twinctl/twinctl/api/v1alpha1"
)

// Resolver picks the single effective override for a device out of its own
// device-scoped overrides and the overrides of the system it belongs to.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the highest-precedence non-expired override, or nil when
// none applies. Precedence is by category rank; within the same category the
// device scope beats the system scope because it is more specific.
func (r *Resolver) Resolve(ctx context.Context, deviceID api.DeviceID, systemID string) (*api.ResolvedOverride, error) {
	deviceOverrides, err := r.store.ActiveOverrides(ctx, api.OverrideScopeDevice, deviceID.String())
	if err != nil {
		return nil, err
	}

	var systemOverrides []api.Override
	if systemID != "" {
		systemOverrides, err = r.store.ActiveOverrides(ctx, api.OverrideScopeSystem, systemID)
		if err != nil {
			return nil, err
		}
	}

	var best *api.Override
	pick := func(candidate api.Override) {
		if best == nil {
			best = &candidate
			return
		}
		if candidate.Category.Rank() > best.Category.Rank() {
			best = &candidate
			return
		}
		// same category: device scope wins
		if candidate.Category.Rank() == best.Category.Rank() &&
			candidate.Scope == api.OverrideScopeDevice && best.Scope == api.OverrideScopeSystem {
			best = &candidate
		}
	}
	for _, o := range systemOverrides {
		pick(o)
	}
	for _, o := range deviceOverrides {
		pick(o)
	}

	if best == nil {
		return nil, nil
	}
	return &api.ResolvedOverride{
		Value:        best.Value,
		Category:     best.Category,
		Reason:       best.Reason,
		IsFromSystem: best.Scope == api.OverrideScopeSystem,
	}, nil
}

package overrides

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/kvstore"
	"github.com/twinctl/twinctl/internal/twerrors"
	"github.com/twinctl/twinctl/pkg/log"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	return NewStore(kvstore.NewMemoryStore(), log.InitLogs(), time.Second)
}

func deviceOverride(target string, category api.OverrideCategory, value api.DeviceValue) api.Override {
	return api.Override{
		TargetID:  target,
		Scope:     api.OverrideScopeDevice,
		Category:  category,
		Value:     value,
		CreatedAt: time.Now(),
	}
}

func TestPutOverrideVersioning(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.PutOverride(ctx, deviceOverride("c1:r1", api.OverrideCategoryManual, api.RelayValue(true)))
	require.NoError(err)
	require.Equal(int64(1), created.Version)

	// writing with a stale version conflicts
	stale := deviceOverride("c1:r1", api.OverrideCategoryManual, api.RelayValue(false))
	_, err = store.PutOverride(ctx, stale)
	require.ErrorIs(err, twerrors.ErrVersionConflict)

	// writing with the current version succeeds
	updated := *created
	updated.Value = api.RelayValue(false)
	next, err := store.PutOverride(ctx, updated)
	require.NoError(err)
	require.Equal(int64(2), next.Version)
}

func TestOverrideUniquePerTargetAndCategory(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.PutOverride(ctx, deviceOverride("c1:r1", api.OverrideCategoryManual, api.RelayValue(true)))
	require.NoError(err)

	// a second manual override for the same target upserts, not duplicates
	second := *first
	second.Value = api.RelayValue(false)
	_, err = store.PutOverride(ctx, second)
	require.NoError(err)

	active, err := store.ActiveOverrides(ctx, api.OverrideScopeDevice, "c1:r1")
	require.NoError(err)
	require.Len(active, 1)
	require.Equal(api.RelayValue(false), active[0].Value)
}

func TestOverrideExpiryOnRead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	o := deviceOverride("c1:r1", api.OverrideCategoryEmergency, api.RelayValue(true))
	o.ExpiresAt = lo.ToPtr(time.Now().Add(30 * time.Millisecond))
	_, err := store.PutOverride(ctx, o)
	require.NoError(err)

	got, err := store.GetOverride(ctx, api.OverrideScopeDevice, "c1:r1", api.OverrideCategoryEmergency)
	require.NoError(err)
	require.NotNil(got)

	time.Sleep(50 * time.Millisecond)

	// at/after expiresAt the override is treated as absent
	got, err = store.GetOverride(ctx, api.OverrideScopeDevice, "c1:r1", api.OverrideCategoryEmergency)
	require.NoError(err)
	require.Nil(got)

	active, err := store.ActiveOverrides(ctx, api.OverrideScopeDevice, "c1:r1")
	require.NoError(err)
	require.Empty(active)
}

func TestPutRejectsAlreadyExpired(t *testing.T) {
	require := require.New(t)
	store := newTestStore(t)

	o := deviceOverride("c1:r1", api.OverrideCategoryManual, api.RelayValue(true))
	o.CreatedAt = time.Now().Add(-time.Hour)
	o.ExpiresAt = lo.ToPtr(time.Now().Add(-time.Minute))
	_, err := store.PutOverride(context.Background(), o)
	require.ErrorIs(err, twerrors.ErrValidation)
}

func TestResolverPrecedence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	resolver := NewResolver(store)
	device := api.NewDeviceID("c1", "r1")

	// no overrides at all
	resolved, err := resolver.Resolve(ctx, device, "sys-1")
	require.NoError(err)
	require.Nil(resolved)

	// MANUAL on the device
	_, err = store.PutOverride(ctx, deviceOverride("c1:r1", api.OverrideCategoryManual, api.RelayValue(false)))
	require.NoError(err)
	resolved, err = resolver.Resolve(ctx, device, "sys-1")
	require.NoError(err)
	require.Equal(api.OverrideCategoryManual, resolved.Category)
	require.False(resolved.IsFromSystem)

	// EMERGENCY on the system beats MANUAL on the device
	_, err = store.PutOverride(ctx, api.Override{
		TargetID:  "sys-1",
		Scope:     api.OverrideScopeSystem,
		Category:  api.OverrideCategoryEmergency,
		Value:     api.RelayValue(true),
		CreatedAt: time.Now(),
	})
	require.NoError(err)
	resolved, err = resolver.Resolve(ctx, device, "sys-1")
	require.NoError(err)
	require.Equal(api.OverrideCategoryEmergency, resolved.Category)
	require.True(resolved.IsFromSystem)
	require.Equal(api.RelayValue(true), resolved.Value)

	// same category on both scopes: the device one wins
	_, err = store.PutOverride(ctx, deviceOverride("c1:r1", api.OverrideCategoryEmergency, api.RelayValue(false)))
	require.NoError(err)
	resolved, err = resolver.Resolve(ctx, device, "sys-1")
	require.NoError(err)
	require.Equal(api.OverrideCategoryEmergency, resolved.Category)
	require.False(resolved.IsFromSystem)
	require.Equal(api.RelayValue(false), resolved.Value)
}

func TestResolverIgnoresSystemWithoutMembership(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	resolver := NewResolver(store)

	_, err := store.PutOverride(ctx, api.Override{
		TargetID:  "sys-1",
		Scope:     api.OverrideScopeSystem,
		Category:  api.OverrideCategoryEmergency,
		Value:     api.RelayValue(true),
		CreatedAt: time.Now(),
	})
	require.NoError(err)

	// device without a system never sees system overrides
	resolved, err := resolver.Resolve(ctx, api.NewDeviceID("c1", "r1"), "")
	require.NoError(err)
	require.Nil(resolved)
}

package overrides

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

const overrideKeyPrefix = "override:"

// Store persists overrides keyed by (targetId, category) with optimistic
// versioning. TTL expiry is enforced twice: the backend evicts eagerly via
// key TTL, and every read re-checks expiresAt so a stale backend cannot
// resurrect an expired override.
type Store interface {
	PutOverride(ctx context.Context, override api.Override) (*api.Override, error)
	GetOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) (*api.Override, error)
	DeleteOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) error
	// ActiveOverrides returns the non-expired overrides for the target, all
	// categories.
	ActiveOverrides(ctx context.Context, scope api.OverrideScope, targetID string) ([]api.Override, error)
}

type kvStore struct {
	kv      kvstore.KVStore
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewStore(kv kvstore.KVStore, log logrus.FieldLogger, timeout time.Duration) Store {
	return &kvStore{kv: kv, log: log, timeout: timeout}
}

func overrideKey(scope api.OverrideScope, targetID string, category api.OverrideCategory) string {
	return fmt.Sprintf("%s%s:%s:%s", overrideKeyPrefix, scope, targetID, category)
}

// PutOverride upserts by (targetId, category). The caller's version must
// match the stored one (zero for creation); the stored override gets the
// incremented version and, when expiresAt is set, a matching key TTL.
func (s *kvStore) PutOverride(ctx context.Context, override api.Override) (*api.Override, error) {
	if errs := override.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%v: %w", errs, twerrors.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ttl time.Duration
	if override.ExpiresAt != nil {
		ttl = time.Until(*override.ExpiresAt)
		if ttl <= 0 {
			return nil, fmt.Errorf("override already expired: %w", twerrors.ErrValidation)
		}
	}

	key := overrideKey(override.Scope, override.TargetID, override.Category)
	err := s.kv.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		var storedVersion int64
		if current != nil {
			var stored api.Override
			if err := json.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decoding override %s: %w", key, twerrors.ErrCorruptState)
			}
			// an expired record still on disk does not hold a version
			if !stored.Expired(time.Now()) {
				storedVersion = stored.Version
			}
		}
		if override.Version != storedVersion {
			return nil, fmt.Errorf("override %s version %d, stored %d: %w", key, override.Version, storedVersion, twerrors.ErrVersionConflict)
		}
		override.Version = storedVersion + 1
		return json.Marshal(override)
	})
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (s *kvStore) GetOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) (*api.Override, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.kv.Get(ctx, overrideKey(scope, targetID, category))
	if err != nil || raw == nil {
		return nil, err
	}
	return s.decode(scope, targetID, category, raw)
}

func (s *kvStore) decode(scope api.OverrideScope, targetID string, category api.OverrideCategory, raw []byte) (*api.Override, error) {
	var override api.Override
	if err := json.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("decoding override %s/%s/%s: %w", scope, targetID, category, twerrors.ErrCorruptState)
	}
	// the resolver must not depend on eager backend eviction
	if override.Expired(time.Now()) {
		return nil, nil
	}
	return &override, nil
}

func (s *kvStore) DeleteOverride(ctx context.Context, scope api.OverrideScope, targetID string, category api.OverrideCategory) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.kv.Delete(ctx, overrideKey(scope, targetID, category))
}

func (s *kvStore) ActiveOverrides(ctx context.Context, scope api.OverrideScope, targetID string) ([]api.Override, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys := make([]string, len(api.OverrideCategories))
	for i, category := range api.OverrideCategories {
		keys[i] = overrideKey(scope, targetID, category)
	}
	raws, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	active := make([]api.Override, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		override, err := s.decode(scope, targetID, api.OverrideCategories[i], raw)
		if err != nil {
			s.log.WithError(err).Errorf("skipping corrupt override %s", keys[i])
			continue
		}
		if override != nil {
			active = append(active, *override)
		}
	}
	return active, nil
}

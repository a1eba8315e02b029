package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrAbortUpdate aborts an Update without touching the key and without
// surfacing an error to the caller.
var ErrAbortUpdate = errors.New("update aborted")

// UpdateFunc transforms the current value of a key (nil when the key is
// absent) into its next value. Returning a nil slice deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// KVStore is the narrow key-value surface the twin and override stores are
// built on. Implementations must make Update a transactional
// read-modify-write per key.
type KVStore interface {
	Close()
	// Ping verifies the backend is reachable; the health gate polls it.
	Ping(ctx context.Context) error
	// Get returns nil without error when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet reads all keys in a single round-trip. Missing keys yield nil
	// entries.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set writes the key; a ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Update applies fn transactionally to the key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	// SAdd/SRem/SMembers maintain unordered string sets (the active-output
	// index).
	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)
}

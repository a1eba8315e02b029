package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]entry
	sets map[string]map[string]struct{}

	// failing simulates an unreachable backend for health-gate tests.
	failing bool
}

// MemoryStore is the in-memory KVStore used by unit tests and by the
// standalone deployment profile.
type MemoryStore interface {
	KVStore
	// SetFailing makes every operation return an error until cleared.
	SetFailing(failing bool)
}

func NewMemoryStore() MemoryStore {
	return &memoryStore{
		data: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
	}
}

var errBackendDown = errors.New("kvstore backend unreachable")

func (s *memoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *memoryStore) Close() {}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	return nil
}

func (s *memoryStore) get(key string, now time.Time) []byte {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e.value
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackendDown
	}
	return s.get(key, time.Now()), nil
}

func (s *memoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackendDown
	}
	now := time.Now()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		out[i] = s.get(key, now)
	}
	return out, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	s.set(key, value, ttl)
	return nil
}

func (s *memoryStore) set(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *memoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *memoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	next, err := fn(s.get(key, time.Now()))
	if errors.Is(err, ErrAbortUpdate) {
		return nil
	}
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.data, key)
		return nil
	}
	s.set(key, next, ttl)
	return nil
}

func (s *memoryStore) SAdd(ctx context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	for _, member := range members {
		m[member] = struct{}{}
	}
	return nil
}

func (s *memoryStore) SRem(ctx context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	for _, member := range members {
		delete(s.sets[set], member)
	}
	return nil
}

func (s *memoryStore) SMembers(ctx context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackendDown
	}
	members := make([]string, 0, len(s.sets[set]))
	for member := range s.sets[set] {
		members = append(members, member)
	}
	return members, nil
}

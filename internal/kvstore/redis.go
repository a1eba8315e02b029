package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const casAttempts = 5

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the backing redis/valkey instance.
func NewRedisStore(hostname string, port uint, password string) (KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", hostname, port),
		Password: password,
	})
	if client == nil {
		return nil, errors.New("failed creating redis client")
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Close() {
	_ = s.client.Close()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed reading key %s: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed reading keys: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T for key %s", v, keys[i])
		}
		out[i] = []byte(str)
	}
	return out, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed storing key %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed deleting keys: %w", err)
	}
	return nil
}

// Update runs fn under WATCH so concurrent writers to the same key restart
// the transaction instead of clobbering each other.
func (s *redisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, ttl)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < casAttempts; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrAbortUpdate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed updating key %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) SAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, set, args...).Err(); err != nil {
		return fmt.Errorf("failed adding to set %s: %w", set, err)
	}
	return nil
}

func (s *redisStore) SRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, set, args...).Err(); err != nil {
		return fmt.Errorf("failed removing from set %s: %w", set, err)
	}
	return nil
}

func (s *redisStore) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed listing set %s: %w", set, err)
	}
	return members, nil
}

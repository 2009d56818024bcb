package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials as plain Redis strings with native TTLs.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisStore returns a store using the provided client. Prefix is prepended to
// every key so several deployments can share one Redis database.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{Client: client, Prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.Prefix + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("credstore: redis client not configured")
	}
	val, err := s.Client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credstore: get: %w", err)
	}
	return val, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.PutAll(ctx, []Entry{{Key: key, Value: value}}, ttl)
}

// PutAll implements Store. The writes run inside MULTI/EXEC so every key receives
// its TTL at the same server instant.
func (s *RedisStore) PutAll(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if s == nil || s.Client == nil {
		return errors.New("credstore: redis client not configured")
	}
	if err := validEntries(entries, ttl); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.Set(ctx, s.key(e.Key), e.Value, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore: put: %w", err)
	}
	return nil
}

// Replace implements Store using SET XX KEEPTTL.
func (s *RedisStore) Replace(ctx context.Context, key, value string) error {
	if s == nil || s.Client == nil {
		return errors.New("credstore: redis client not configured")
	}
	err := s.Client.SetArgs(ctx, s.key(key), value, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("credstore: replace: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.Client == nil {
		return errors.New("credstore: redis client not configured")
	}
	return s.Client.Ping(ctx).Err()
}

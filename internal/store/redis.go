package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "storefront"

// RedisBackend persists scopes as plain Redis string keys.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisBackend wraps client. A positive ttl is refreshed on every write.
func NewRedisBackend(client *redis.Client, ttl time.Duration) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("store: redis client required")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisBackend{client: client, ttl: ttl}, nil
}

// Scope returns a Store bound to scopeID.
func (b *RedisBackend) Scope(scopeID string) (Store, error) {
	scope, err := normalizeScope(scopeID)
	if err != nil {
		return nil, err
	}
	return &redisStore{backend: b, scope: scope}, nil
}

type redisStore struct {
	backend *RedisBackend
	scope   string
}

func (s *redisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, s.scope, key.String())
}

func (s *redisStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := validateKeys(key); err != nil {
		return nil, false, err
	}
	value, err := s.backend.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := validateKeys(key); err != nil {
		return err
	}
	return s.backend.client.Set(ctx, s.redisKey(key), value, s.backend.ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	if err := validateKeys(keys...); err != nil {
		return err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, s.redisKey(key))
	}
	return s.backend.client.Del(ctx, names...).Err()
}

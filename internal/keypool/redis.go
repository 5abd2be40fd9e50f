package keypool

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed revocation set, for deployments running more
// than one gateway instance against the same key pool.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Prefix string
}

func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

func (s *RedisStore) setKey() string {
	if s.prefix == "" {
		return "revoked_keys"
	}
	return s.prefix + ":revoked_keys"
}

// MarkRevoked adds the key to the shared set. SADD is a no-op for members
// already present, so marking stays idempotent across instances.
func (s *RedisStore) MarkRevoked(ctx context.Context, key, reason string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := s.client.SAdd(ctx, s.setKey(), key).Err(); err != nil {
		return fmt.Errorf("redis sadd failed: %w", err)
	}
	// Reason is best-effort metadata; losing it never blocks revocation.
	_ = s.client.HSet(ctx, s.setKey()+":reasons", key, reason).Err()
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}
	ok, err := s.client.SIsMember(ctx, s.setKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember failed: %w", err)
	}
	return ok, nil
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

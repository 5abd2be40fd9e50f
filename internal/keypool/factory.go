package keypool

import (
	"github.com/redis/go-redis/v9"
)

type StoreConfig struct {
	Backend string // "memory" or "redis"
	Prefix  string
}

// NewStore picks the revocation store backend.
func NewStore(cfg StoreConfig, redisClient *redis.Client) Store {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})
	default:
		return NewMemoryStore()
	}
}

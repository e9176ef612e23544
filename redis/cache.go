package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is a JSON cache with versioned keys: bumping a version key makes
// every key derived from the old version unreachable.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache returns a cache; a nil client yields a cache that always misses.
func NewCache(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) GetVersion(ctx context.Context, key string) int64 {
	if c == nil || c.client == nil {
		return 0
	}
	v, err := c.client.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return v
}

func (c *Cache) IncrementVersion(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		c.logger.Warn("cache version bump failed", zap.String("key", key), zap.Error(err))
	}
}

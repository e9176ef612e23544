package redis

import (
	"context"
	"esign-workflow/internal/config"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var RedisClient *redis.Client

// InitRedis connects to Redis. When Redis is unreachable the service keeps
// running with an in-process cache and lock, and RedisClient stays nil.
func InitRedis(zl *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: config.AppConfig.RedisAddress,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		zl.Warn("Redis not available. Running without Redis.", zap.Error(err))
		client.Close()
		return nil
	}

	zl.Info("Redis connected successfully.", zap.String("addr", config.AppConfig.RedisAddress))
	RedisClient = client
	return client
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// connectAttempts bounds how long NewClient waits for Redis to come up.
const connectAttempts = 5

// NewClient creates a Redis client and verifies connectivity, retrying the ping with a
// linear backoff. Blocking commands honor context cancellation.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			logger.Info("Redis client connected", zap.String("addr", addr))
			return rdb, nil
		}
		logger.Warn("redis ping failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("redis ping: %w", err)
}

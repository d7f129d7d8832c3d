package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/pkg/response"
)

// Allow counts one hit of id against resource and reports whether it is within limit
// for the current window. The window starts at the first hit.
func Allow(ctx context.Context, rdb redis.Cmdable, resource, id string, limit int, window time.Duration) (bool, error) {
	key := limitKey(resource, id)
	cnt, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if cnt == 1 {
		if err := rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return cnt <= int64(limit), nil
}

func limitKey(resource, id string) string {
	return fmt.Sprintf("rl:%s:%s", resource, id)
}

// RateLimit enforces limit requests per window for each caller, keyed by the JWT user
// when present and the client IP otherwise. A nil client disables limiting. Redis failures
// let the request through.
func RateLimit(rdb redis.Cmdable, resource string, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if rdb == nil {
			c.Next()
			return
		}
		id := "ip:" + c.ClientIP()
		if uid, ok := UserID(c); ok {
			id = "user:" + uid.String()
		}
		ok, err := Allow(c.Request.Context(), rdb, resource, id, limit, window)
		if err != nil {
			logger.Warn("rate limit unavailable", zap.String("resource", resource), zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			if ttl, err := rdb.TTL(c.Request.Context(), limitKey(resource, id)).Result(); err == nil && ttl > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ttl.Seconds()))))
			}
			response.TooManyRequests(c, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

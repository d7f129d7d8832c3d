package cohost

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard grants a key to one caller for ttl. It catches the same requester firing from
// several devices at once before the store's uniqueness check does.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryGuard is a Guard for a single instance.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryGuard creates a guard reading time from now (time.Now when nil).
func NewMemoryGuard(now func() time.Time) *MemoryGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryGuard{keys: make(map[string]time.Time), now: now}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if until, ok := g.keys[key]; ok && now.Before(until) {
		return false, nil
	}
	g.keys[key] = now.Add(ttl)
	for k, until := range g.keys {
		if !now.Before(until) {
			delete(g.keys, k)
		}
	}
	return true, nil
}

// RedisGuard is a Guard shared by every instance, built on SET NX PX.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard creates a Redis guard.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, "live:guard:"+key, 1, ttl).Result()
}

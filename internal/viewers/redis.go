package viewers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "live:viewers:"

// applyScript records the op id and, when new, adds the delta and bumps the sequence
// in one atomic step.
var applyScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[2]) == 0 then
  local raw = tonumber(redis.call('HGET', KEYS[1], 'raw') or '0')
  local seq = tonumber(redis.call('HGET', KEYS[1], 'seq') or '0')
  return {raw, seq, 0}
end
local raw = redis.call('HINCRBY', KEYS[1], 'raw', ARGV[1])
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return {raw, seq, 1}
`)

// Redis is a Backend shared by every instance.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis backend. Keys expire ttl after the last delta.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func countKey(sessionID uuid.UUID) string {
	return keyPrefix + "{" + sessionID.String() + "}"
}

func opsKey(sessionID uuid.UUID) string {
	return countKey(sessionID) + ":ops"
}

func (r *Redis) Apply(ctx context.Context, sessionID uuid.UUID, delta int64, opID string) (Result, error) {
	keys := []string{countKey(sessionID), opsKey(sessionID)}
	vals, err := applyScript.Run(ctx, r.client, keys, delta, opID, int64(r.ttl/time.Second)).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected script reply %v", vals)
	}
	return Result{Raw: vals[0], Seq: vals[1], Applied: vals[2] == 1}, nil
}

func (r *Redis) Read(ctx context.Context, sessionID uuid.UUID) (Result, error) {
	vals, err := r.client.HMGet(ctx, countKey(sessionID), "raw", "seq").Result()
	if err != nil {
		return Result{}, err
	}
	var res Result
	for i, dst := range []*int64{&res.Raw, &res.Seq} {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("parse viewer %s: %w", []string{"raw", "seq"}[i], err)
		}
		*dst = n
	}
	return res, nil
}

func (r *Redis) Drop(ctx context.Context, sessionID uuid.UUID) error {
	return r.client.Del(ctx, countKey(sessionID), opsKey(sessionID)).Err()
}

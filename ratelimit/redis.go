package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks and increments a window in one round trip. A full
// window is returned untouched. It replies {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if count >= limit then
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {1, count, ttl}
`)

// RedisStore keeps windows in Redis so every instance shares the same
// limits. Keys expire on their own, so Purge is a no-op.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store over client. Keys are written as
// prefix+key; an empty prefix defaults to "credits:rl:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "credits:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take implements Store. The reset time is derived from the key's TTL
// as seen by the server.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	vals, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("ratelimit/redis: take %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Window{}, fmt.Errorf("ratelimit/redis: take %s: unexpected reply %v", key, vals)
	}
	return Window{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		ResetAt: now.Add(time.Duration(vals[2]) * time.Millisecond),
	}, nil
}

// Purge implements Store.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

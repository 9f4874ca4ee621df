package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps the counter and opens the window on the first hit.
// A key left without a TTL (e.g. after a failover) gets one re-applied.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps fixed-window counters in Redis so that every replica
// enforces the same limits.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed bucket store. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment %q: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis increment %q: unexpected reply length %d", key, len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Ping reports whether the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

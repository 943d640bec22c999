package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript checks and consumes one unit atomically. The key expires
// with the window, which gives the same lazy reset as MemoryLimiter.
//
// KEYS[1] counter key, ARGV[1] limit, ARGV[2] window in milliseconds.
// Returns 1 when limited, 0 when the call was counted.
var windowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return 1
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLimiter shares counters across instances through Redis.
type RedisLimiter struct {
	client    redis.Scripter
	window    time.Duration
	limit     int
	keyPrefix string
}

// NewRedisLimiter returns a limiter backed by client.
func NewRedisLimiter(client redis.Scripter, window time.Duration, limit int, keyPrefix string) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisLimiter{client: client, window: window, limit: limit, keyPrefix: keyPrefix}
}

// IsLimited implements Limiter.
func (l *RedisLimiter) IsLimited(ctx context.Context, clientID string) (bool, error) {
	res, err := windowScript.Run(ctx, l.client, []string{l.keyPrefix + clientID}, l.limit, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window script: %w", err)
	}
	return res == 1, nil
}

// Window returns the configured window length.
func (l *RedisLimiter) Window() time.Duration { return l.window }

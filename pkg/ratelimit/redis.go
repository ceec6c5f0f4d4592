package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var orgWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares the per-org submission window across gateway
// instances. On any redis failure it degrades to the in-memory fallback
// so a cache outage never blocks decisions.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *OrgWindows
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "uapk:orgwin:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(orgID string, limit int) Usage {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(orgID, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := l.Prefix + orgID
	res, err := orgWindowScript.Run(ctx, l.Client, []string{key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.degrade(orgID, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degrade(orgID, limit)
	}
	submitted, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = int64(l.Window.Milliseconds())
	}
	remaining := limit - int(submitted)
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Allowed:   int(submitted) <= limit,
		Submitted: int(submitted),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *RedisLimiter) degrade(orgID string, limit int) Usage {
	if l.Fallback != nil {
		return l.Fallback.Allow(orgID, limit)
	}
	// Fail open: with no shared and no local counter left, blocking
	// every submission in the org would be worse than not limiting.
	return Usage{Allowed: true, Submitted: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}

package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// All buckets are checked and incremented in one script so the
// check-then-increment is atomic across the day, hour and total windows.
var counterScript = redis.NewScript(`
local day_key = KEYS[1]
local hour_key = KEYS[2]
local total_key = KEYS[3]
local day_limit = tonumber(ARGV[1])
local hour_limit = tonumber(ARGV[2])
local total_limit = tonumber(ARGV[3])
local day_ttl = tonumber(ARGV[4])
local hour_ttl = tonumber(ARGV[5])

local day = tonumber(redis.call("GET", day_key) or "0")
local hour = tonumber(redis.call("GET", hour_key) or "0")
local total = tonumber(redis.call("GET", total_key) or "0")

if day_limit > 0 and day + 1 > day_limit then
  return {0, day}
end
if hour_limit > 0 and hour + 1 > hour_limit then
  return {0, day}
end
if total_limit > 0 and total + 1 > total_limit then
  return {0, day}
end

day = redis.call("INCR", day_key)
if day == 1 then
  redis.call("EXPIRE", day_key, day_ttl)
end
local h = redis.call("INCR", hour_key)
if h == 1 then
  redis.call("EXPIRE", hour_key, hour_ttl)
end
redis.call("INCR", total_key)
return {1, day}
`)

// RedisStore keeps counters in Redis with bucket-keyed TTLs. Suitable
// when the deployment prefers counter reads off the primary database.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "budget:", now: time.Now}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, orgID, actionType string, limits Limits) (Result, error) {
	day, hour := buckets(s.now())
	keys := []string{
		fmt.Sprintf("%s%s:%s:%s", s.Prefix, orgID, actionType, day),
		fmt.Sprintf("%s%s:%s:%s", s.Prefix, orgID, actionType, hour),
		fmt.Sprintf("%s%s:%s:%s", s.Prefix, orgID, actionType, totalBucket),
	}
	// Keys linger long enough to survive clock skew at bucket edges.
	res, err := counterScript.Run(ctx, s.Client, keys,
		limits.Daily, limits.Hourly, limits.Total,
		int((48 * time.Hour).Seconds()), int((2 * time.Hour).Seconds()),
	).Result()
	if err != nil {
		return Result{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Result{}, fmt.Errorf("unexpected counter script reply %T", res)
	}
	accepted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return Result{OK: accepted == 1, Count: count}, nil
}

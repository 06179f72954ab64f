package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills at ARGV[2] tokens/s up to ARGV[3] and expires the key
// once a full bucket would have been restored.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(0, now_ms - ts)
  tokens = math.min(burst, tokens + (delta / 1000.0) * rate)
end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif rate > 0 then
  retry_ms = math.ceil(((cost - tokens) / rate) * 1000.0)
else
  retry_ms = 1000
end

redis.call("HSET", key, "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, tostring(tokens), retry_ms}
`)

var errBadReply = errors.New("ratelimit: unexpected redis reply")

// RedisLimiter shares buckets across every proxy instance pointing at the
// same redis.
type RedisLimiter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, rps float64, burst float64, cost float64) (Decision, error) {
	ttl := time.Minute
	if rps > 0 {
		if refill := time.Duration(burst / rps * float64(time.Second)); refill > ttl {
			ttl = refill
		}
	}

	res, err := tokenBucket.Run(ctx, r.rdb, []string{key},
		r.now().UnixMilli(), rps, burst, cost, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, errBadReply
	}

	allowed, ok1 := res[0].(int64)
	tokens, ok2 := res[1].(string)
	retryMs, ok3 := res[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Decision{}, errBadReply
	}

	dec := Decision{Allowed: allowed == 1, LimitRPS: rps, Burst: burst}
	dec.Remaining = parseTokens(tokens)
	if !dec.Allowed {
		dec.RetryAfterSeconds = int(math.Max(1, math.Ceil(float64(retryMs)/1000)))
	}
	return dec, nil
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

func parseTokens(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

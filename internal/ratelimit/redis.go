package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// tokenBucketScript implements §4.3 steps 1-6 as a single indivisible
// server-side evaluation: read tokens/lastRefill (initialising on first
// use), accrue fractional tokens for elapsed wall time, consume one token
// if >= 1.0 is available, write the new state back with a bounded TTL.
const tokenBucketScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_per_sec = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill) / 1000.0
local new_tokens = math.min(capacity, tokens + elapsed * refill_per_sec)

local allowed = 0
if new_tokens >= 1.0 then
  allowed = 1
  new_tokens = new_tokens - 1.0
end

redis.call("HMSET", key, "tokens", new_tokens, "last_refill", now_ms)
redis.call("EXPIRE", key, ttl_seconds)

return {allowed, math.floor(new_tokens)}
`

// evaler is the narrow slice of *redis.Client this package depends on,
// kept small enough that tests can supply a fake without pulling in the
// full redis.Cmdable surface.
type evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisLimiter is the production Rate Limiter backend: atomic
// check-and-consume via a server-side Lua script, one call per request.
type RedisLimiter struct {
	client evaler
	log    *slog.Logger

	// warnLimiter throttles the WARN log emitted on every fail-open
	// event so a sustained Redis outage does not flood the log stream.
	warnLimiter *rate.Limiter
}

// NewRedisLimiter wraps an existing *redis.Client (or any type satisfying
// evaler).
func NewRedisLimiter(client evaler, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:      client,
		log:         log,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (l *RedisLimiter) Check(ctx context.Context, clientIP string, route RouteLimit) (Decision, error) {
	if !route.Configured() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := "rl:" + route.Path + ":" + clientIP
	now := time.Now().UnixMilli()

	res, err := l.client.Eval(ctx, tokenBucketScript, []string{key},
		now, route.Capacity, route.RefillRatePerSecond, route.TTLSeconds(),
	).Result()
	if err != nil {
		l.warnFailOpen(err)
		return Decision{Allowed: true, Remaining: -1}, err
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		l.warnFailOpen(nil)
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	return Decision{
		Allowed:   toInt64(arr[0]) == 1,
		Remaining: int(toInt64(arr[1])),
	}, nil
}

func (l *RedisLimiter) warnFailOpen(err error) {
	if l.log == nil || !l.warnLimiter.Allow() {
		return
	}
	if err != nil {
		l.log.Warn("ratelimit_store_unavailable_fail_open", slog.String("error", err.Error()))
	} else {
		l.log.Warn("ratelimit_store_unexpected_response_fail_open")
	}
}

// Occupancy returns the number of distinct (clientIp) buckets currently
// live for routePath, via a non-blocking SCAN over the bucket keyspace.
// Used only by the admin surface's supplemental reporting; never on the
// request path.
func (l *RedisLimiter) Occupancy(ctx context.Context, routePath string) (int, error) {
	match := "rl:" + routePath + ":*"
	var cursor uint64
	count := 0
	for {
		keys, next, err := l.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (l *RedisLimiter) Close() error {
	if c, ok := l.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

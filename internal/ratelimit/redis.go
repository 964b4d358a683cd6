package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
)

const redisCallTimeout = 100 * time.Millisecond

// tokenBucketLua refills and consumes a token bucket stored as a hash.
// KEYS[1] key, ARGV[1] capacity, ARGV[2] refill rate (tokens/sec),
// ARGV[3] now (sec), ARGV[4] window (sec).
// Returns {allowed, remaining, reset_after}.
const tokenBucketLua = `
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil then
    tokens = max_tokens
    last_refill = now
end

local time_passed = math.max(0, now - last_refill)
tokens = math.min(max_tokens, tokens + time_passed * refill_rate)

local allowed = 0
local reset_after = window

if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
    reset_after = math.ceil((max_tokens - tokens) / refill_rate)
else
    reset_after = math.ceil((1 - tokens) / refill_rate)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, window * 2)

return {allowed, math.floor(tokens), reset_after}
`

// slidingWindowLua keeps one timestamp per allowed request in a sorted
// set. KEYS[1] key, ARGV[1] limit, ARGV[2] window (sec), ARGV[3] now (sec).
// Returns {allowed, remaining, retry_after}.
const slidingWindowLua = `
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local current = redis.call('ZCARD', key)

local allowed = 0
local remaining = max_requests - current
local retry_after = window

if current < max_requests then
    redis.call('ZADD', key, now, now .. ':' .. math.random())
    redis.call('EXPIRE', key, window * 2)
    allowed = 1
    remaining = remaining - 1
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if oldest[2] then
        retry_after = math.ceil(tonumber(oldest[2]) + window - now)
    end
end

return {allowed, math.max(0, remaining), math.max(1, retry_after)}
`

// fixedWindowLua counts requests in the current window. The caller bakes
// the window index into KEYS[1]. ARGV[1] limit, ARGV[2] window (sec).
// Returns {allowed, remaining, ttl}.
const fixedWindowLua = `
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call('INCR', key)

if current == 1 then
    redis.call('EXPIRE', key, window)
end

local ttl = redis.call('TTL', key)
if ttl < 0 then
    redis.call('EXPIRE', key, window)
    ttl = window
end

local allowed = 0
local remaining = max_requests - current

if current <= max_requests then
    allowed = 1
end

return {allowed, math.max(0, remaining), math.max(1, ttl)}
`

var (
	tokenBucketScript   = redis.NewScript(tokenBucketLua)
	slidingWindowScript = redis.NewScript(slidingWindowLua)
	fixedWindowScript   = redis.NewScript(fixedWindowLua)
)

// RedisLimiter evaluates a single rule against the distributed store. Every
// check is one atomic script round-trip.
type RedisLimiter struct {
	client    redis.UniversalClient
	algorithm string
	rule      config.RateLimitRuleConfig
}

// NewRedisLimiter creates a distributed limiter for one rule.
func NewRedisLimiter(client redis.UniversalClient, algorithm string, rule config.RateLimitRuleConfig) *RedisLimiter {
	return &RedisLimiter{client: client, algorithm: algorithm, rule: rule}
}

// Allow runs the configured algorithm's script for key. The returned error
// is non-nil for transport and store failures; the caller is expected to
// fall back to a local limiter.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	now := time.Now().Unix()
	windowSecs := int64(rl.rule.WindowSecs)

	var result []int64
	var err error

	switch rl.algorithm {
	case "sliding_window":
		result, err = slidingWindowScript.Run(callCtx, rl.client,
			[]string{key}, rl.rule.Requests, windowSecs, now).Int64Slice()

	case "fixed_window":
		idx := now / windowSecs
		windowKey := fmt.Sprintf("%s:%d", key, idx)
		result, err = fixedWindowScript.Run(callCtx, rl.client,
			[]string{windowKey}, rl.rule.Requests, windowSecs).Int64Slice()

	default: // token_bucket
		capacity := rl.rule.BurstSize()
		rate := float64(rl.rule.Requests) / float64(windowSecs)
		result, err = tokenBucketScript.Run(callCtx, rl.client,
			[]string{key}, capacity, rate, now, windowSecs).Int64Slice()
	}

	if err != nil {
		return Decision{}, err
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(result))
	}

	allowed := result[0] == 1
	d := Decision{
		Allowed:    allowed,
		Limit:      rl.rule.Requests,
		Remaining:  int(result[1]),
		ResetAfter: int(result[2]),
	}
	if !allowed {
		d.RetryAfter = int(result[2])
	}
	return d, nil
}

package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Counter mutations run server-side so concurrent checks against the same
// identifier never interleave. Each script both decides and records in one
// atomic step.

// slidingWindowScript trims expired members, admits when the trimmed count
// plus the weight fits, and reports the oldest surviving timestamp so the
// caller can compute the reset time.
// KEYS[1] counter zset.
// ARGV: cutoff ns, capacity, weight, now ns, window ms.
const slidingWindowScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local weight = tonumber(ARGV[3])
local allowed = 0
if count + weight <= tonumber(ARGV[2]) then
	allowed = 1
	for i = 1, weight do
		redis.call("ZADD", KEYS[1], ARGV[4], ARGV[4] .. "-" .. i)
	end
	count = count + weight
end
redis.call("PEXPIRE", KEYS[1], ARGV[5])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local reset = "0"
if oldest[2] then
	reset = tostring(oldest[2])
end
return {allowed, count, reset}
`

// tokenBucketScript refills from elapsed time, clamps at capacity, then
// tries to consume the weight.
// KEYS[1] bucket hash.
// ARGV: capacity, refill per ms, now ms, weight, ttl ms.
const tokenBucketScript = `
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "last"))
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[3])
if tokens == nil then
	tokens = capacity
	last = now
end
local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * tonumber(ARGV[2]))
local weight = tonumber(ARGV[4])
local allowed = 0
if tokens >= weight then
	tokens = tokens - weight
	allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last", tostring(now))
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, tostring(tokens)}
`

// fixedWindowScript increments the epoch counter, arming the expiry only on
// the increment that created it.
// KEYS[1] epoch counter.
// ARGV: weight, ttl ms.
const fixedWindowScript = `
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`

func (e *Engine) slidingWindow(ctx context.Context, rule Rule, identifier string, weight int, now time.Time) (*Result, error) {
	key := counterKey("sw", rule, identifier)
	cutoff := now.Add(-rule.Window).UnixNano()
	raw, err := e.kv.Eval(ctx, slidingWindowScript, []string{key},
		cutoff, rule.capacity(), weight, now.UnixNano(), rule.Window.Milliseconds())
	if err != nil {
		return nil, err
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return nil, errors.Errorf("unexpected sliding window reply %T", raw)
	}
	allowed := toInt64(reply[0]) == 1
	count := int(toInt64(reply[1]))
	oldestNs := toInt64(reply[2])

	resetTime := now.Add(rule.Window)
	if oldestNs > 0 {
		resetTime = time.Unix(0, oldestNs).Add(rule.Window)
	}
	res := &Result{
		Allowed:      allowed,
		Rule:         rule.Name,
		CurrentCount: count,
		Limit:        rule.MaxRequests,
		Remaining:    max(0, rule.capacity()-count),
		ResetTime:    resetTime,
	}
	if !allowed {
		res.RetryAfter = resetTime.Sub(now)
	}
	return res, nil
}

func (e *Engine) tokenBucket(ctx context.Context, rule Rule, identifier string, weight int, now time.Time) (*Result, error) {
	key := counterKey("tb", rule, identifier)
	capacity := rule.capacity()
	refillPerMs := float64(rule.MaxRequests) / float64(rule.Window.Milliseconds())
	// Keep the bucket around long enough to refill from empty twice over.
	ttl := 2 * rule.Window.Milliseconds() * int64(capacity) / int64(rule.MaxRequests)

	raw, err := e.kv.Eval(ctx, tokenBucketScript, []string{key},
		capacity, strconv.FormatFloat(refillPerMs, 'f', -1, 64), now.UnixMilli(), weight, ttl)
	if err != nil {
		return nil, err
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return nil, errors.Errorf("unexpected token bucket reply %T", raw)
	}
	allowed := toInt64(reply[0]) == 1
	tokens := toFloat64(reply[1])

	refillPerSec := float64(rule.MaxRequests) / rule.Window.Seconds()
	resetTime := now.Add(time.Duration((float64(capacity) - tokens) / refillPerSec * float64(time.Second)))
	res := &Result{
		Allowed:      allowed,
		Rule:         rule.Name,
		CurrentCount: capacity - int(tokens),
		Limit:        rule.MaxRequests,
		Remaining:    int(tokens),
		ResetTime:    resetTime,
	}
	if !allowed {
		res.RetryAfter = time.Duration((float64(weight) - tokens) / refillPerSec * float64(time.Second))
	}
	return res, nil
}

func (e *Engine) fixedWindow(ctx context.Context, rule Rule, identifier string, weight int, now time.Time) (*Result, error) {
	epoch := now.UnixMilli() / rule.Window.Milliseconds()
	key := counterKey("fw", rule, identifier) + ":" + strconv.FormatInt(epoch, 10)
	raw, err := e.kv.Eval(ctx, fixedWindowScript, []string{key}, weight, rule.Window.Milliseconds())
	if err != nil {
		return nil, err
	}

	count := int(toInt64(raw))
	resetTime := time.UnixMilli((epoch + 1) * rule.Window.Milliseconds())
	res := &Result{
		Allowed:      count <= rule.capacity(),
		Rule:         rule.Name,
		CurrentCount: count,
		Limit:        rule.MaxRequests,
		Remaining:    max(0, rule.capacity()-count),
		ResetTime:    resetTime,
	}
	if !res.Allowed {
		res.RetryAfter = resetTime.Sub(now)
	}
	return res, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return int64(f)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

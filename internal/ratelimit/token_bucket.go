package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica.
// Buckets idle for longer than ttl are dropped and start full again.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a limiter allowing bursts of capacity and refillPerSecond sustained.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take spends one token from key's bucket. When the bucket is empty the decision
// carries how long until a token is available again.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	nowMs := b.now().UnixMilli()
	reply, err := takeScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: reply has %d fields", key, len(reply))
	}
	d := Decision{Allowed: reply[0] == 1, Remaining: int(reply[1])}
	if !d.Allowed {
		d.RetryAfter = retryAfter(reply[2], b.refill)
	}
	return d, nil
}

// retryAfter converts the script's thousandths of a token deficit into a wait.
func retryAfter(deficitMilli int64, refill float64) time.Duration {
	if refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := float64(deficitMilli) / 1000 / refill
	return time.Duration(math.Ceil(secs)) * time.Second
}

// Tokens are kept in thousandths so partial refills survive Redis' integer replies.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1]) * 1000
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'milli', 'at')
local milli = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

if now > at then
  milli = math.min(capacity, milli + math.floor((now - at) * rate))
end

local allowed = 0
local deficit = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
else
  deficit = 1000 - milli
end

redis.call('HSET', KEYS[1], 'milli', milli, 'at', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, math.floor(milli / 1000), deficit}
`)

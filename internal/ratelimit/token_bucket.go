package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter state away from the job queue keys that
// share the same Redis instance.
const keyPrefix = "clipmix:ratelimit:"

// TokenBucket throttles job submissions per tenant. State lives in Redis,
// so the limit holds across multiple API replicas: each tenant owns one
// bucket of size burst that refills continuously at ratePerSec.
type TokenBucket struct {
	client     *redis.Client
	burst      int
	ratePerSec float64
	ttl        time.Duration
}

// NewTokenBucket constructs a limiter allowing burst submissions at once
// and ratePerSec sustained. Idle buckets expire after ttl.
func NewTokenBucket(client *redis.Client, burst int, ratePerSec float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:     client,
		burst:      burst,
		ratePerSec: ratePerSec,
		ttl:        ttl,
	}
}

// Allow consumes one token from the tenant's bucket if available and
// reports the decision plus the tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := submitScript.Run(ctx, b.client, []string{keyPrefix + tenant},
		b.burst, b.ratePerSec, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

// The refill-then-take step must be atomic per tenant, hence Lua.
var submitScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'left', 'stamp_ms')
local left = tonumber(bucket[1]) or burst
local stamp = tonumber(bucket[2]) or now

local idle = math.max(0, now - stamp)
left = math.min(burst, left + idle / 1000 * rate)

local allowed = 0
if left >= 1 then
  allowed = 1
  left = left - 1
end

redis.call('HMSET', KEYS[1], 'left', left, 'stamp_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, left}
`)

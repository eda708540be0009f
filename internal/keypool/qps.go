package keypool

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// QPSLimiter enforces per-provider and per-key queries-per-second ceilings
// with a one second Redis sliding window. A nil client disables limiting.
type QPSLimiter struct {
	rdb *redis.Client
}

// NewQPSLimiter creates a QPSLimiter on rdb. rdb may be nil, in which case
// every Allow call passes.
func NewQPSLimiter(rdb *redis.Client) *QPSLimiter {
	return &QPSLimiter{rdb: rdb}
}

// AllowProvider checks the provider-wide ceiling. limit <= 0 means unlimited.
func (q *QPSLimiter) AllowProvider(ctx context.Context, providerID string, limit int) bool {
	return q.check(ctx, "keypool:qps:"+providerID, limit)
}

// AllowKey checks the per-key ceiling. limit <= 0 means unlimited.
func (q *QPSLimiter) AllowKey(ctx context.Context, providerID, keyID string, limit int) bool {
	return q.check(ctx, "keypool:qps:"+providerID+":"+keyID, limit)
}

func (q *QPSLimiter) check(ctx context.Context, key string, limit int) bool {
	if limit <= 0 || q.rdb == nil {
		return true
	}
	now := time.Now().UnixNano()
	window := time.Second.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, q.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true
	}
	return result == 1
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisLimiter implements the sliding window on a Redis sorted set per key:
// members are issuance events scored by their millisecond timestamp.
// Trim, count, conditional add, and expiry run as one Lua script so two
// concurrent requests for the same key cannot both observe a free slot and
// overshoot the budget.
type RedisLimiter struct {
	client goredis.UniversalClient
	policy Policy
}

// Scores are milliseconds: nanosecond timestamps exceed float64's integer
// range and would lose precision in the sorted set.
//
// KEYS[1] window set
// ARGV[1] window start (ms), ARGV[2] limit, ARGV[3] now (ms),
// ARGV[4] member, ARGV[5] window length (ms)
//
// Returns {allowed, live count, oldest score (ms)}.
var slidingWindowScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	return {0, count, oldest[2]}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, count + 1, ARGV[3]}
`)

// NewRedisLimiter wraps a connected client.
func NewRedisLimiter(client goredis.UniversalClient, policy Policy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy.normalized()}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, projectID, userID string) (*Decision, error) {
	now := time.Now()
	windowStart := now.Add(-l.policy.Window)

	raw, err := slidingWindowScript.Run(ctx, l.client,
		[]string{limiterKey(projectID, userID)},
		windowStart.UnixMilli(),
		l.policy.Limit,
		now.UnixMilli(),
		uuid.New().String(),
		l.policy.Window.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	allowed, count, oldestMs, err := parseWindowResult(raw)
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	if !allowed {
		// The window frees a slot when the oldest event ages out
		resetAt := now.Add(l.policy.Window)
		if oldestMs > 0 {
			resetAt = time.UnixMilli(oldestMs).Add(l.policy.Window)
		}
		return &Decision{
			OK:        false,
			Limit:     l.policy.Limit,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return &Decision{
		OK:        true,
		Limit:     l.policy.Limit,
		Remaining: l.policy.Limit - int(count),
		ResetAt:   now.Add(l.policy.Window),
	}, nil
}

// parseWindowResult decodes the script's {allowed, count, oldest} reply.
// Integers arrive as int64; the oldest score comes back as Redis formats
// sorted-set scores, a float string.
func parseWindowResult(raw interface{}) (allowed bool, count int64, oldestMs int64, err error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected reply shape %T", raw)
	}

	flag, ok := reply[0].(int64)
	if !ok {
		return false, 0, 0, fmt.Errorf("unexpected allowed flag %T", reply[0])
	}
	count, ok = reply[1].(int64)
	if !ok {
		return false, 0, 0, fmt.Errorf("unexpected count %T", reply[1])
	}

	switch v := reply[2].(type) {
	case int64:
		oldestMs = v
	case string:
		f, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return false, 0, 0, fmt.Errorf("unexpected oldest score %q", v)
		}
		oldestMs = int64(f)
	default:
		return false, 0, 0, fmt.Errorf("unexpected oldest score %T", reply[2])
	}

	return flag == 1, count, oldestMs, nil
}

package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript atomically prunes the window, checks the count, and
// records the request in one round trip. Doing the check and the increment
// server-side closes the race between concurrent callers that a
// read-then-write pipeline would leave open.
//
// KEYS[1] window key, ARGV[1] now (ms), ARGV[2] window (ms),
// ARGV[3] limit, ARGV[4] member.
// Returns {allowed, count-after-prune}.
var slidingWindowScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	return {0, count}
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]) + 1000)
return {1, count + 1}
`)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis sorted
// sets. Only events within the trailing window count toward the limit.
//
// Rate limiting is protective, not critical: if the backing store fails,
// the check fails open and the call is allowed.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
}

// NewRateLimiter creates a new sliding-window rate limiter.
func NewRateLimiter(client *Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
	}
}

// Allow checks whether one more request fits within limit over the trailing
// window for the given key. An allowed request is counted; a rejected one is
// not. Backing-store errors are logged and the request is allowed.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) *RateLimitResult {
	now := time.Now()
	redisKey := "ratelimit:" + EscapeKeyPart(key)

	res, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{redisKey},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		r.logger.Warn("rate limit check failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}
	}

	allowed := len(res) > 0 && res[0] == 1
	count := 0
	if len(res) > 1 {
		count = int(res[1])
	}

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, limit-count),
		ResetAt:   now.Add(window),
	}
}

// EscapeKeyPart normalizes a caller-supplied identifier for use inside a
// Redis key so it cannot collide with the ':' namespace separator.
func EscapeKeyPart(s string) string {
	return strings.ReplaceAll(s, ":", "%3A")
}

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "instadrop:rate_limit"

// Sliding-window log of admitted verifications, one sorted-set member per attempt
// scored by its timestamp in milliseconds. Rejected attempts are not recorded, so a
// client that keeps retrying is admitted again once its oldest attempt leaves the window.
// Returns {attempts including this one, milliseconds until a slot frees up or 0}.
var verifyRateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  redis.call("PEXPIRE", key, window)
  return {count + 1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local wait = -1
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {count + 1, wait}
`)

// RedisVerificationRateLimiter caps ledger verifications per client across all
// service replicas.
type RedisVerificationRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisVerificationRateLimiter(client redis.UniversalClient, prefix string) *RedisVerificationRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultRateLimitPrefix
	}
	return &RedisVerificationRateLimiter{client: client, prefix: trimmedPrefix, now: time.Now}
}

// ConsumeRateLimit admits one verification for subject when fewer than limit were
// admitted in the trailing window. count is limit+1 or more when the attempt is refused.
func (r *RedisVerificationRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	key, ok := r.key(scope, subject)
	if !ok {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	args := []interface{}{r.now().UnixMilli(), windowMs, limit, uuid.NewString()}
	rawResult, err := verifyRateLimitScript.Run(ctx, r.client, []string{key}, args...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("verification rate limiter: %w", err)
	}
	return parseLimiterResult(rawResult, windowMs)
}

func (r *RedisVerificationRateLimiter) key(scope, subject string) (string, bool) {
	scope = strings.ToLower(strings.TrimSpace(scope))
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return "", false
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject), true
}

// parseLimiterResult decodes the script reply. A negative wait means the window start
// could not be read back and the whole window is reported instead.
func parseLimiterResult(rawResult interface{}, windowMs int64) (int, int, error) {
	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	waitMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected redis limiter wait type: %T", values[1])
	}

	switch {
	case waitMs == 0:
		return int(count), 0, nil
	case waitMs < 0:
		waitMs = windowMs
	}
	return int(count), max(int(math.Ceil(float64(waitMs)/1000.0)), 1), nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var windowCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RateLimiter paces outbound payout work across replicas.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, time.Duration, error)
}

// RedisRateLimiter counts requests per fixed window in Redis. A nil client allows
// everything.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: normalizePrefix(prefix) + ":rate_limit"}
}

func normalizePrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "taas:payments"
	}
	return strings.TrimSuffix(trimmed, ":")
}

// Allow consumes one slot of bucket's current window. When the limit is exceeded it
// returns false and how long until the window resets.
func (r *RedisRateLimiter) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, time.Duration, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return true, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s", r.prefix, bucket)
	raw, err := windowCounterScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}
	count, ttlMs, err := parseCounterReply(raw)
	if err != nil {
		return false, 0, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	if count > int64(limit) {
		return false, retryAfter(ttlMs), nil
	}
	return true, 0, nil
}

func parseCounterReply(raw any) (int64, int64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}

// retryAfter rounds the remaining window up to whole seconds, at least one.
func retryAfter(ttlMs int64) time.Duration {
	seconds := int64(math.Ceil(float64(ttlMs) / 1000.0))
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// RedisLease is a best-effort single-holder lock used to keep cron sweeps on one replica.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	log    zerolog.Logger
}

func NewRedisLease(client redis.UniversalClient, prefix string, log zerolog.Logger) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: normalizePrefix(prefix) + ":lease",
		log:    log.With().Str("component", "redis_lease").Logger(),
	}
}

// Acquire tries to take the named lease for ttl. The returned release func is always
// non-nil. Without Redis every caller acquires the lease.
func (l *RedisLease) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, func(), error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return true, noop, nil
	}
	key := fmt.Sprintf("%s:%s", l.prefix, name)
	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, noop, nil
		}
		return false, noop, err
	}
	if !ok {
		return false, noop, nil
	}
	return true, func() { l.release(key, holder) }, nil
}

// release drops the lease if holder still owns it. A failed release leaves the key to
// expire with its ttl.
func (l *RedisLease) release(key, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseLeaseScript.Run(ctx, l.client, []string{key}, holder).Err(); err != nil {
		l.log.Warn().Err(err).Str("key", key).Str("holder", holder).Msg("failed to release lease")
	}
}

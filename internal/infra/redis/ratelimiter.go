package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-router/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	rateWindow  = time.Second
	maxWaitStep = 250 * time.Millisecond
	keyPrefix   = "ratelimit:provider:"
)

// slidingWindowScript keeps one sorted-set member per send in the last
// window. It returns 0 when the send is admitted, otherwise the number of
// milliseconds until the oldest send leaves the window.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter enforces per-provider sends-per-second across every
// router instance with a sliding one-second window.
type RedisRateLimiter struct {
	client *goredis.Client
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisRateLimiter{client: client, now: time.Now, sleep: sleepCtx}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, perSecond int) (bool, error) {
	wait, err := r.reserve(ctx, key, perSecond)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until a send slot opens for key or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string, perSecond int) error {
	for {
		wait, err := r.reserve(ctx, key, perSecond)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, min(wait, maxWaitStep)); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, key string, perSecond int) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}
	if perSecond <= 0 {
		return 0, nil
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return 0, fmt.Errorf("rate limit key is required")
	}

	now := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	waitMs, err := slidingWindowScript.Run(ctx, r.client,
		[]string{keyPrefix + key},
		now, rateWindow.Milliseconds(), perSecond, member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit for %q: %w", key, err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

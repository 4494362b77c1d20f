package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-key ceiling of perSecond operations. A
// non-positive perSecond means unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, key string, perSecond int) (bool, error)
	Wait(ctx context.Context, key string, perSecond int) error
}

var _ RateLimiter = (*LocalLimiter)(nil)

// LocalLimiter is an in-process token bucket per key, for single-instance
// deployments without Redis.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string, perSecond int) (bool, error) {
	if perSecond <= 0 {
		return true, nil
	}
	limiter, err := l.limiter(key, perSecond)
	if err != nil {
		return false, err
	}
	return limiter.Allow(), nil
}

func (l *LocalLimiter) Wait(ctx context.Context, key string, perSecond int) error {
	if perSecond <= 0 {
		return nil
	}
	limiter, err := l.limiter(key, perSecond)
	if err != nil {
		return err
	}
	return limiter.Wait(ctx)
}

func (l *LocalLimiter) limiter(key string, perSecond int) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[normalized]
	if !ok || limiter.Burst() != perSecond {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		l.limiters[normalized] = limiter
	}
	return limiter, nil
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CounterResets is the registry surface for quota window resets.
type CounterResets interface {
	ResetDaily()
	ResetMonthly()
}

// CounterResetter zeroes daily counters at every UTC midnight and monthly
// counters at the first UTC midnight of each month.
type CounterResetter struct {
	counters CounterResets
	logger   *zap.Logger
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
}

func NewCounterResetter(counters CounterResets, logger *zap.Logger) *CounterResetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterResetter{
		counters: counters,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}
}

func (r *CounterResetter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		now := r.now().UTC()
		wait := NextUTCMidnight(now).Sub(now)

		select {
		case <-ctx.Done():
			return nil
		case <-r.after(wait):
			r.reset(r.now().UTC())
		}
	}
}

func (r *CounterResetter) reset(now time.Time) {
	r.counters.ResetDaily()
	if now.Day() == 1 {
		r.counters.ResetMonthly()
		r.logger.Info("provider daily and monthly counters reset", zap.Time("at", now))
		return
	}
	r.logger.Info("provider daily counters reset", zap.Time("at", now))
}

// NextUTCMidnight returns the first UTC midnight strictly after t.
func NextUTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

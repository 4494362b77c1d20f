package registry

import (
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// BreakerState is the circuit breaker view of a provider.
type BreakerState string

const (
	BreakerHealthy  BreakerState = "healthy"
	BreakerDegraded BreakerState = "degraded"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const responseTimeSmoothing = 0.2

// Policy holds the breaker and capacity thresholds.
type Policy struct {
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// DegradedBelow is the success rate (0-100) under which a provider is degraded.
	DegradedBelow float64
	SafetyMargin  float64
	// DegradedTopN bounds how many degraded providers may serve as last resort.
	DegradedTopN int
}

func DefaultPolicy() Policy {
	return Policy{
		BreakerThreshold: 5,
		BreakerTimeout:   5 * time.Minute,
		DegradedBelow:    50,
		SafetyMargin:     0.9,
		DegradedTopN:     3,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = def.BreakerThreshold
	}
	if p.BreakerTimeout <= 0 {
		p.BreakerTimeout = def.BreakerTimeout
	}
	if p.DegradedBelow <= 0 {
		p.DegradedBelow = def.DegradedBelow
	}
	if p.SafetyMargin <= 0 || p.SafetyMargin > 1 {
		p.SafetyMargin = def.SafetyMargin
	}
	if p.DegradedTopN <= 0 {
		p.DegradedTopN = def.DegradedTopN
	}
	return p
}

// Breaker derives the breaker state of a provider record at now. An open
// breaker becomes half-open once BreakerTimeout has elapsed since the last
// health check; the next selection then acts as the probe.
func (p Policy) Breaker(provider domain.Provider, now time.Time) BreakerState {
	p = p.normalized()

	if provider.ConsecutiveFailures >= p.BreakerThreshold {
		if provider.LastHealthCheckAt == nil || now.Sub(*provider.LastHealthCheckAt) >= p.BreakerTimeout {
			return BreakerHalfOpen
		}
		return BreakerOpen
	}
	if provider.SuccessRate < p.DegradedBelow {
		return BreakerDegraded
	}
	if provider.LastHealthCheckAt != nil && !provider.LastHealthOK {
		return BreakerDegraded
	}
	return BreakerHealthy
}

// SuccessRate returns sent/(sent+failed) as a percentage.
func SuccessRate(sent, failed int64) float64 {
	total := sent + failed
	if total == 0 {
		return initialSuccessRate
	}
	return float64(sent) / float64(total) * 100
}

// RecordSuccess books a delivered message against the provider.
func (r *Registry) RecordSuccess(id string, duration time.Duration) error {
	return r.update(id, func(p *domain.Provider, now time.Time) {
		p.SentCount++
		p.DailySent++
		p.MonthlySent++
		p.ConsecutiveFailures = 0
		p.SuccessRate = SuccessRate(p.SentCount, p.FailedCount)
		p.LastUsedAt = timePtr(now)
		p.LastHealthOK = true
		p.LastError = ""

		ms := float64(duration) / float64(time.Millisecond)
		if p.AvgResponseMs == 0 {
			p.AvgResponseMs = ms
		} else {
			p.AvgResponseMs = p.AvgResponseMs*(1-responseTimeSmoothing) + ms*responseTimeSmoothing
		}

		switch p.Status {
		case domain.ProviderError:
			p.Status = domain.ProviderActive
		case domain.ProviderRateLimited:
			if p.RateLimitedUntil == nil || !now.Before(*p.RateLimitedUntil) {
				p.Status = domain.ProviderActive
				p.RateLimitedUntil = nil
			}
		case domain.ProviderDegraded:
			if p.SuccessRate >= r.policy.DegradedBelow {
				p.Status = domain.ProviderActive
			}
		}
	})
}

// RecordFailure books a failed attempt and opens the breaker once the
// consecutive failure count reaches the threshold. It returns the breaker
// state after the update.
func (r *Registry) RecordFailure(id string, errMsg string) (BreakerState, error) {
	var state BreakerState
	err := r.update(id, func(p *domain.Provider, now time.Time) {
		p.FailedCount++
		p.ConsecutiveFailures++
		p.SuccessRate = SuccessRate(p.SentCount, p.FailedCount)
		p.LastUsedAt = timePtr(now)
		p.LastError = errMsg

		if p.ConsecutiveFailures >= r.policy.BreakerThreshold {
			p.Status = domain.ProviderError
			p.LastHealthCheckAt = timePtr(now)
			p.LastHealthOK = false
		} else if p.Status == domain.ProviderActive && p.SuccessRate < r.policy.DegradedBelow {
			p.Status = domain.ProviderDegraded
		}

		state = r.policy.Breaker(*p, now)
	})
	return state, err
}

// RecordProbe books the result of a health probe. A passing probe closes an
// open breaker; a failing one marks the provider degraded.
func (r *Registry) RecordProbe(id string, ok bool, errMsg string) error {
	return r.update(id, func(p *domain.Provider, now time.Time) {
		p.LastHealthCheckAt = timePtr(now)
		p.LastHealthOK = ok

		if !ok {
			p.LastError = errMsg
			if p.Status == domain.ProviderActive {
				p.Status = domain.ProviderDegraded
			}
			return
		}

		switch p.Status {
		case domain.ProviderError:
			p.ConsecutiveFailures = 0
			p.Status = domain.ProviderActive
		case domain.ProviderDegraded:
			if p.SuccessRate >= r.policy.DegradedBelow {
				p.Status = domain.ProviderActive
			}
		}
	})
}

func timePtr(t time.Time) *time.Time {
	return &t
}

package registry

import (
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// HasCapacity reports whether the provider may take one more message of the
// given priority. Urgent traffic is checked against the hard ceilings,
// everything else against ceiling × SafetyMargin.
func (p Policy) HasCapacity(provider domain.Provider, priority domain.Priority, now time.Time) bool {
	p = p.normalized()

	if provider.Status == domain.ProviderRateLimited {
		if provider.RateLimitedUntil == nil || now.Before(*provider.RateLimitedUntil) {
			return false
		}
	}

	margin := p.SafetyMargin
	if priority == domain.PriorityUrgent {
		margin = 1
	}

	if provider.DailyLimit > 0 && float64(provider.DailySent) >= float64(provider.DailyLimit)*margin {
		return false
	}
	if provider.MonthlyLimit > 0 && float64(provider.MonthlySent) >= float64(provider.MonthlyLimit)*margin {
		return false
	}
	return true
}

// MarkRateLimited takes the provider out of selection until the given time.
func (r *Registry) MarkRateLimited(id string, until time.Time) error {
	return r.update(id, func(p *domain.Provider, _ time.Time) {
		p.Status = domain.ProviderRateLimited
		p.RateLimitedUntil = timePtr(until)
	})
}

// ResetDaily zeroes every provider's daily counter.
func (r *Registry) ResetDaily() {
	for _, id := range r.order {
		_ = r.update(id, func(p *domain.Provider, _ time.Time) {
			p.DailySent = 0
		})
	}
}

// ResetMonthly zeroes every provider's monthly counter.
func (r *Registry) ResetMonthly() {
	for _, id := range r.order {
		_ = r.update(id, func(p *domain.Provider, _ time.Time) {
			p.MonthlySent = 0
		})
	}
}

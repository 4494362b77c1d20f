// Package registry holds the configured delivery providers and their live
// health and volume counters. Every mutation of a provider record goes
// through this package so that concurrent workers, probes and maintenance
// timers share one locked update path per provider.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

const initialSuccessRate = 100

// Registry is an arena of provider records addressed by stable ID.
type Registry struct {
	policy  Policy
	now     func() time.Time
	entries map[string]*entry
	order   []string
}

type entry struct {
	mu       sync.Mutex
	provider domain.Provider
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces the clock used to stamp health and usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New validates the provider catalog and builds the registry. Catalog errors
// wrap domain.ErrConfiguration.
func New(providers []domain.Provider, policy Policy, opts ...Option) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", domain.ErrConfiguration)
	}

	r := &Registry{
		policy:  policy.normalized(),
		now:     time.Now,
		entries: make(map[string]*entry, len(providers)),
		order:   make([]string, 0, len(providers)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for i := range providers {
		p := providers[i]
		p.ID = strings.TrimSpace(p.ID)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.entries[p.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate provider id %q", domain.ErrConfiguration, p.ID)
		}

		if p.Status == "" {
			p.Status = domain.ProviderActive
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.SentCount == 0 && p.FailedCount == 0 {
			p.SuccessRate = initialSuccessRate
		}

		r.entries[p.ID] = &entry{provider: p}
		r.order = append(r.order, p.ID)
	}

	for _, id := range r.order {
		fallback := r.entries[id].provider.FallbackProviderID
		if fallback == nil {
			continue
		}
		if _, ok := r.entries[*fallback]; !ok {
			return nil, fmt.Errorf("%w: provider %q falls back to unknown provider %q", domain.ErrConfiguration, id, *fallback)
		}
	}

	return r, nil
}

func (r *Registry) Policy() Policy {
	return r.policy
}

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Get returns a copy of the provider record.
func (r *Registry) Get(id string) (domain.Provider, bool) {
	e, ok := r.entries[id]
	if !ok {
		return domain.Provider{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider, true
}

// All returns copies of every provider ordered by priority desc, weight desc.
func (r *Registry) All() []domain.Provider {
	providers := make([]domain.Provider, 0, len(r.order))
	for _, id := range r.order {
		p, _ := r.Get(id)
		providers = append(providers, p)
	}
	SortByPriority(providers)
	return providers
}

// ListEligible returns active providers that are not excluded, ordered by
// priority desc, weight desc. Providers in testing status are never eligible.
func (r *Registry) ListEligible(excludeIDs []string) []domain.Provider {
	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}

	eligible := make([]domain.Provider, 0, len(r.order))
	for _, id := range r.order {
		if _, skip := excluded[id]; skip {
			continue
		}
		p, _ := r.Get(id)
		if !p.Active || p.Status == domain.ProviderTesting {
			continue
		}
		eligible = append(eligible, p)
	}

	SortByPriority(eligible)
	return eligible
}

// SortByPriority orders providers by priority desc, weight desc, then id.
func SortByPriority(providers []domain.Provider) {
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority > providers[j].Priority
		}
		if providers[i].Weight != providers[j].Weight {
			return providers[i].Weight > providers[j].Weight
		}
		return providers[i].ID < providers[j].ID
	})
}

func (r *Registry) update(id string, fn func(p *domain.Provider, now time.Time)) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: provider %q", domain.ErrNotFound, id)
	}
	now := r.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.provider, now)
	return nil
}

// Restore merges persisted counters into the configured records. Catalog
// fields (priority, weight, limits, settings) always come from configuration.
func (r *Registry) Restore(saved []domain.Provider) {
	for i := range saved {
		s := saved[i]
		_ = r.update(s.ID, func(p *domain.Provider, _ time.Time) {
			p.SuccessRate = s.SuccessRate
			p.SentCount = s.SentCount
			p.FailedCount = s.FailedCount
			p.ConsecutiveFailures = s.ConsecutiveFailures
			p.AvgResponseMs = s.AvgResponseMs
			p.DailySent = s.DailySent
			p.MonthlySent = s.MonthlySent
			p.LastUsedAt = s.LastUsedAt
			p.LastHealthCheckAt = s.LastHealthCheckAt
			p.LastHealthOK = s.LastHealthOK
			p.LastError = s.LastError
			p.RateLimitedUntil = s.RateLimitedUntil

			if p.SentCount == 0 && p.FailedCount == 0 {
				p.SuccessRate = initialSuccessRate
			}
			if p.Status == domain.ProviderActive {
				switch s.Status {
				case domain.ProviderDegraded, domain.ProviderRateLimited, domain.ProviderError:
					p.Status = s.Status
				}
			}
		})
	}
}

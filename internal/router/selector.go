// Package router picks the provider that carries a message.
package router

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"go.uber.org/zap"
)

const (
	costWeightShare  = 0.7
	costFactorFloor  = 0.3
	costFactorScaler = 1000
)

// ProviderSource is the read side of the provider registry.
type ProviderSource interface {
	ListEligible(excludeIDs []string) []domain.Provider
	Get(id string) (domain.Provider, bool)
	Policy() registry.Policy
}

// Request describes the message being routed.
type Request struct {
	Priority  domain.Priority
	Category  domain.Category
	Preferred []string
	Exclude   []string
}

type Selector struct {
	providers ProviderSource
	logger    *zap.Logger
	now       func() time.Time
	randFloat func() float64
}

func NewSelector(providers ProviderSource, logger *zap.Logger) (*Selector, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Selector{
		providers: providers,
		logger:    logger,
		now:       time.Now,
		randFloat: rand.Float64,
	}, nil
}

// Select returns the provider that should carry the request, or
// domain.ErrNoProviderAvailable when every candidate is circuit-open or out
// of capacity.
func (s *Selector) Select(req Request) (domain.Provider, error) {
	candidates := s.candidates(req)
	if len(candidates) == 0 {
		return domain.Provider{}, fmt.Errorf("%w: priority=%s category=%s", domain.ErrNoProviderAvailable, req.Priority, req.Category)
	}

	switch {
	case req.Priority == domain.PriorityUrgent:
		return candidates[0], nil
	case req.Category == domain.CategoryMarketing:
		return cheapest(candidates), nil
	default:
		return s.weightedPick(candidates), nil
	}
}

// Fallback picks a replacement for a provider that just failed. The failed
// provider's configured fallback wins when it is healthy and has capacity;
// otherwise selection re-runs at high priority without the failed provider.
func (s *Selector) Fallback(failedID string, req Request) (domain.Provider, error) {
	exclude := append(append([]string(nil), req.Exclude...), failedID)

	if failed, ok := s.providers.Get(failedID); ok && failed.FallbackProviderID != nil {
		if fb, ok := s.providers.Get(*failed.FallbackProviderID); ok && s.usableFallback(fb, exclude, req.Priority) {
			return fb, nil
		}
	}

	escalated := req
	escalated.Exclude = exclude
	if escalated.Priority != domain.PriorityUrgent {
		escalated.Priority = domain.PriorityHigh
	}

	s.logger.Debug("fallback reselecting provider",
		zap.String("failedProviderId", failedID),
		zap.String("priority", escalated.Priority.String()),
	)
	return s.Select(escalated)
}

func (s *Selector) usableFallback(p domain.Provider, exclude []string, priority domain.Priority) bool {
	if !p.Active || p.Status == domain.ProviderTesting || contains(exclude, p.ID) {
		return false
	}
	policy := s.providers.Policy()
	now := s.now()
	return policy.Breaker(p, now) == registry.BreakerHealthy && policy.HasCapacity(p, priority, now)
}

// candidates returns the selectable pool ordered by priority desc, weight
// desc. Healthy providers with capacity win; degraded ones are used only when
// no healthy provider has capacity, bounded to the top DegradedTopN.
func (s *Selector) candidates(req Request) []domain.Provider {
	eligible := s.providers.ListEligible(req.Exclude)
	if len(req.Preferred) > 0 {
		preferred := make([]domain.Provider, 0, len(eligible))
		for _, p := range eligible {
			if contains(req.Preferred, p.ID) {
				preferred = append(preferred, p)
			}
		}
		if len(preferred) > 0 {
			eligible = preferred
		}
	}

	policy := s.providers.Policy()
	now := s.now()

	healthy := make([]domain.Provider, 0, len(eligible))
	degraded := make([]domain.Provider, 0)
	for _, p := range eligible {
		state := policy.Breaker(p, now)
		if state == registry.BreakerOpen {
			continue
		}
		if !policy.HasCapacity(p, req.Priority, now) {
			continue
		}
		if state == registry.BreakerDegraded {
			degraded = append(degraded, p)
			continue
		}
		healthy = append(healthy, p)
	}

	if len(healthy) > 0 {
		return healthy
	}
	if len(degraded) > policy.DegradedTopN {
		degraded = degraded[:policy.DegradedTopN]
	}
	return degraded
}

func cheapest(candidates []domain.Provider) domain.Provider {
	sorted := append([]domain.Provider(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CostPerMessage != b.CostPerMessage {
			return a.CostPerMessage < b.CostPerMessage
		}
		return a.SuccessRate > b.SuccessRate
	})
	return sorted[0]
}

// Score is the selection weight of a provider for the weighted draw.
func Score(p domain.Provider) float64 {
	costFactor := costWeightShare/(1+p.CostPerMessage*costFactorScaler) + costFactorFloor
	return float64(p.Weight) * (p.SuccessRate / 100) * costFactor
}

func (s *Selector) weightedPick(candidates []domain.Provider) domain.Provider {
	total := 0.0
	scores := make([]float64, len(candidates))
	for i, p := range candidates {
		if score := Score(p); score > 0 {
			scores[i] = score
			total += score
		}
	}
	if total <= 0 {
		return candidates[0]
	}

	target := s.randFloat() * total
	for i, score := range scores {
		if target < score {
			return candidates[i]
		}
		target -= score
	}
	return candidates[len(candidates)-1]
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

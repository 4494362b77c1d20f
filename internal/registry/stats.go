package registry

import (
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// ProviderStats is the dashboard view of one provider.
type ProviderStats struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Kind                domain.TransportKind  `json:"kind"`
	Active              bool                  `json:"active"`
	Status              domain.ProviderStatus `json:"status"`
	Breaker             BreakerState          `json:"breaker"`
	HasCapacity         bool                  `json:"hasCapacity"`
	Priority            int                   `json:"priority"`
	Weight              int                   `json:"weight"`
	CostPerMessage      float64               `json:"costPerMessage"`
	SuccessRate         float64               `json:"successRate"`
	SentCount           int64                 `json:"sentCount"`
	FailedCount         int64                 `json:"failedCount"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	AvgResponseMs       float64               `json:"avgResponseMs"`
	DailySent           int64                 `json:"dailySent"`
	DailyLimit          int64                 `json:"dailyLimit"`
	DailyUsage          float64               `json:"dailyUsage"`
	MonthlySent         int64                 `json:"monthlySent"`
	MonthlyLimit        int64                 `json:"monthlyLimit"`
	MonthlyUsage        float64               `json:"monthlyUsage"`
	LastUsedAt          *time.Time            `json:"lastUsedAt,omitempty"`
	LastHealthCheckAt   *time.Time            `json:"lastHealthCheckAt,omitempty"`
	LastHealthOK        bool                  `json:"lastHealthOk"`
	LastError           string                `json:"lastError,omitempty"`
	RateLimitedUntil    *time.Time            `json:"rateLimitedUntil,omitempty"`
}

// Snapshot returns copies of every provider record for persistence.
func (r *Registry) Snapshot() []domain.Provider {
	return r.All()
}

// Statistics returns the per-provider health and volume view.
func (r *Registry) Statistics() []ProviderStats {
	now := r.now()
	providers := r.All()

	stats := make([]ProviderStats, 0, len(providers))
	for _, p := range providers {
		stats = append(stats, ProviderStats{
			ID:                  p.ID,
			Name:                p.Name,
			Kind:                p.Kind,
			Active:              p.Active,
			Status:              p.Status,
			Breaker:             r.policy.Breaker(p, now),
			HasCapacity:         r.policy.HasCapacity(p, domain.PriorityNormal, now),
			Priority:            p.Priority,
			Weight:              p.Weight,
			CostPerMessage:      p.CostPerMessage,
			SuccessRate:         p.SuccessRate,
			SentCount:           p.SentCount,
			FailedCount:         p.FailedCount,
			ConsecutiveFailures: p.ConsecutiveFailures,
			AvgResponseMs:       p.AvgResponseMs,
			DailySent:           p.DailySent,
			DailyLimit:          p.DailyLimit,
			DailyUsage:          usage(p.DailySent, p.DailyLimit),
			MonthlySent:         p.MonthlySent,
			MonthlyLimit:        p.MonthlyLimit,
			MonthlyUsage:        usage(p.MonthlySent, p.MonthlyLimit),
			LastUsedAt:          p.LastUsedAt,
			LastHealthCheckAt:   p.LastHealthCheckAt,
			LastHealthOK:        p.LastHealthOK,
			LastError:           p.LastError,
			RateLimitedUntil:    p.RateLimitedUntil,
		})
	}
	return stats
}

func usage(sent, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(sent) / float64(limit) * 100
}

package observability

import (
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// ProviderStatsSource is read on every scrape.
type ProviderStatsSource interface {
	Statistics() []registry.ProviderStats
}

type providerCollector struct {
	source ProviderStatsSource

	dailySent    *prometheus.Desc
	monthlySent  *prometheus.Desc
	dailyUsage   *prometheus.Desc
	successRate  *prometheus.Desc
	failures     *prometheus.Desc
	avgResponse  *prometheus.Desc
	breakerState *prometheus.Desc
}

// WatchProviders exports provider volume and health gauges taken from source
// at scrape time.
func (m *Metrics) WatchProviders(source ProviderStatsSource) error {
	if m == nil || source == nil {
		return nil
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "provider", name),
			help,
			append([]string{"provider"}, labels...),
			nil,
		)
	}

	return m.registry.Register(&providerCollector{
		source:       source,
		dailySent:    desc("daily_sent", "Messages sent since the last daily reset."),
		monthlySent:  desc("monthly_sent", "Messages sent since the last monthly reset."),
		dailyUsage:   desc("daily_usage_percent", "Percent of the daily limit already used; 0 when unlimited."),
		successRate:  desc("success_rate", "Success rate over the provider lifetime."),
		failures:     desc("consecutive_failures", "Failures since the last success."),
		avgResponse:  desc("avg_response_ms", "Smoothed provider response time."),
		breakerState: desc("breaker_state", "1 for the current breaker state of the provider.", "state"),
	})
}

func (c *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.dailySent, c.monthlySent, c.dailyUsage, c.successRate,
		c.failures, c.avgResponse, c.breakerState,
	} {
		ch <- d
	}
}

func (c *providerCollector) Collect(ch chan<- prometheus.Metric) {
	states := []registry.BreakerState{
		registry.BreakerHealthy, registry.BreakerDegraded,
		registry.BreakerOpen, registry.BreakerHalfOpen,
	}

	for _, s := range c.source.Statistics() {
		id := lower(s.ID)
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{id}, labels...)...)
		}

		gauge(c.dailySent, float64(s.DailySent))
		gauge(c.monthlySent, float64(s.MonthlySent))
		gauge(c.dailyUsage, s.DailyUsage)
		gauge(c.successRate, s.SuccessRate)
		gauge(c.failures, float64(s.ConsecutiveFailures))
		gauge(c.avgResponse, s.AvgResponseMs)
		for _, state := range states {
			var v float64
			if s.Breaker == state {
				v = 1
			}
			gauge(c.breakerState, v, string(state))
		}
	}
}

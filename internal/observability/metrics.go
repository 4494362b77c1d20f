package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "delivery_router"
	unknownLabel     = "unknown"
	unmatchedRoute   = "unmatched"
)

// Metrics stores Prometheus collectors for the API, the dispatcher and the
// background scanners. All methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	messagesSentTotal   *prometheus.CounterVec
	messagesFailedTotal *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	workerInflight      *prometheus.GaugeVec
	retryScheduledTotal *prometheus.CounterVec
	noProviderTotal     *prometheus.CounterVec
	breakerOpen         *prometheus.GaugeVec
	scanPublishedTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: newCounter("http_requests_total",
			"HTTP requests served, by method, route and status.", "method", "path", "status"),
		httpRequestDuration: newHistogram("http_request_duration_seconds",
			"HTTP request latency, by method and route.", prometheus.DefBuckets, "method", "path"),
		messagesSentTotal: newCounter("messages_sent_total",
			"Messages accepted by a provider.", "provider"),
		messagesFailedTotal: newCounter("messages_failed_total",
			"Failed delivery attempts, by provider and failure reason.", "provider", "reason"),
		sendDuration: newHistogram("send_duration_seconds",
			"Provider send latency.", prometheus.ExponentialBuckets(0.01, 2, 12), "provider"),
		workerInflight: newGauge("worker_inflight",
			"Messages currently being processed, by lane.", "lane"),
		retryScheduledTotal: newCounter("retry_scheduled_total",
			"Messages moved back to retrying, by lane and reason.", "lane", "reason"),
		noProviderTotal: newCounter("no_provider_total",
			"Selections that found no eligible provider, by lane.", "lane"),
		breakerOpen: newGauge("breaker_open",
			"1 while a provider circuit breaker is open.", "provider"),
		scanPublishedTotal: newCounter("scan_published_total",
			"Dispatch triggers republished by the scanners.", "scanner", "lane"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal, m.httpRequestDuration,
		m.messagesSentTotal, m.messagesFailedTotal, m.sendDuration,
		m.workerInflight, m.retryScheduledTotal, m.noProviderTotal,
		m.breakerOpen, m.scanPublishedTotal,
	)
	return m
}

func newCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Name: name, Help: help,
	}, labels)
}

func newGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace, Name: name, Help: help,
	}, labels)
}

func newHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware records request count and latency per matched route.
// Scrapes of /metrics are not counted.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if m == nil {
			return err
		}

		route := routePath(c)
		if route == "/metrics" {
			return err
		}

		method := label(c.Method(), strings.ToUpper)
		m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(responseStatus(c, err))).Inc()
		m.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return err
	}
}

func (m *Metrics) IncMessageSent(provider string) {
	if m != nil {
		m.messagesSentTotal.WithLabelValues(lower(provider)).Inc()
	}
}

func (m *Metrics) IncMessageFailed(provider, reason string) {
	if m != nil {
		m.messagesFailedTotal.WithLabelValues(lower(provider), lower(reason)).Inc()
	}
}

func (m *Metrics) ObserveSendDuration(provider string, d time.Duration) {
	if m != nil {
		m.sendDuration.WithLabelValues(lower(provider)).Observe(max(d, 0).Seconds())
	}
}

func (m *Metrics) IncWorkerInFlight(lane string) {
	if m != nil {
		m.workerInflight.WithLabelValues(lower(lane)).Inc()
	}
}

func (m *Metrics) DecWorkerInFlight(lane string) {
	if m != nil {
		m.workerInflight.WithLabelValues(lower(lane)).Dec()
	}
}

func (m *Metrics) IncRetryScheduled(lane, reason string) {
	if m != nil {
		m.retryScheduledTotal.WithLabelValues(lower(lane), lower(reason)).Inc()
	}
}

func (m *Metrics) IncNoProvider(lane string) {
	if m != nil {
		m.noProviderTotal.WithLabelValues(lower(lane)).Inc()
	}
}

func (m *Metrics) SetBreakerOpen(provider string, open bool) {
	if m == nil {
		return
	}
	var v float64
	if open {
		v = 1
	}
	m.breakerOpen.WithLabelValues(lower(provider)).Set(v)
}

func (m *Metrics) AddScanPublished(scanner, lane string, n int) {
	if m != nil && n > 0 {
		m.scanPublishedTotal.WithLabelValues(lower(scanner), lower(lane)).Add(float64(n))
	}
}

func routePath(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && strings.TrimSpace(route.Path) != "" {
		return route.Path
	}
	return unmatchedRoute
}

func responseStatus(c *fiber.Ctx, err error) int {
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			return fe.Code
		}
		return fiber.StatusInternalServerError
	}
	if status := c.Response().StatusCode(); status != 0 {
		return status
	}
	return fiber.StatusOK
}

func lower(value string) string {
	return label(value, strings.ToLower)
}

func label(value string, transform func(string) string) string {
	if v := transform(strings.TrimSpace(value)); v != "" {
		return v
	}
	return unknownLabel
}

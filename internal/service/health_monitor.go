package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthCheckInterval = time.Minute
	defaultHealthCheckTimeout  = 10 * time.Second
	maxConcurrentProbes        = 4
)

// ProbeTarget is the registry surface the health monitor reads and updates.
type ProbeTarget interface {
	All() []domain.Provider
	RecordProbe(id string, ok bool, errMsg string) error
	Policy() registry.Policy
	Now() time.Time
}

// HealthMonitor probes every active provider on a fixed interval and books
// the results through the registry's update path.
type HealthMonitor struct {
	providers ProbeTarget
	adapters  AdapterSource
	metrics   *observability.Metrics
	logger    *zap.Logger
	interval  time.Duration
	timeout   time.Duration
}

func NewHealthMonitor(
	providers ProbeTarget,
	adapters AdapterSource,
	interval time.Duration,
	timeout time.Duration,
	logger *zap.Logger,
) (*HealthMonitor, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if adapters == nil {
		return nil, fmt.Errorf("adapter source is required")
	}
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthMonitor{
		providers: providers,
		adapters:  adapters,
		logger:    logger,
		interval:  interval,
		timeout:   timeout,
	}, nil
}

func (m *HealthMonitor) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

func (m *HealthMonitor) Start(ctx context.Context) error {
	return runTicker(ctx, m.interval, m.logger, "health monitor", m.ProbeAll)
}

// ProbeAll checks every active provider concurrently.
func (m *HealthMonitor) ProbeAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)

	for _, p := range m.providers.All() {
		if !p.Active {
			continue
		}
		id := p.ID
		g.Go(func() error {
			m.probe(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	if m.metrics != nil {
		policy := m.providers.Policy()
		now := m.providers.Now()
		for _, p := range m.providers.All() {
			m.metrics.SetBreakerOpen(p.ID, policy.Breaker(p, now) == registry.BreakerOpen)
		}
	}
	return ctx.Err()
}

func (m *HealthMonitor) probe(ctx context.Context, providerID string) {
	adapter, ok := m.adapters.Get(providerID)
	if !ok {
		m.logger.Warn("no adapter configured for provider", zap.String("providerId", providerID))
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := adapter.HealthCheck(probeCtx)
	if ctx.Err() != nil {
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		m.logger.Warn("provider health check failed",
			zap.String("providerId", providerID),
			zap.Error(err),
		)
	}
	if recordErr := m.providers.RecordProbe(providerID, err == nil, errMsg); recordErr != nil {
		m.logger.Error("failed to record health probe",
			zap.String("providerId", providerID),
			zap.Error(recordErr),
		)
	}
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"go.uber.org/zap"
)

// RetryScanner periodically re-publishes messages whose retry time has come.
type RetryScanner struct {
	scan     *laneScan
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewRetryScanner(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	cfg ScanConfig,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		scan: &laneScan{
			name:         "retry",
			fetch:        messages.GetDueRetries,
			messages:     messages,
			publisher:    publisher,
			weights:      cfg.Weights,
			limit:        cfg.Limit,
			requeueAfter: cfg.RequeueAfter,
			logger:       logger,
		},
		logger:   logger,
		interval: cfg.Interval,
		now:      time.Now,
	}, nil
}

func (s *RetryScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.scan.metrics = metrics
}

// Start runs an initial scan so already-due retries do not wait for the
// first ticker edge.
func (s *RetryScanner) Start(ctx context.Context) error {
	return runTicker(ctx, s.interval, s.logger, "retry scanner", s.scanDue)
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	if _, err := s.scan.run(ctx, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to publish due retries: %w", err)
	}
	return nil
}

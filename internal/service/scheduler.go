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

const defaultStaleAfter = 10 * time.Minute

type ScanConfig struct {
	Interval     time.Duration
	Limit        int
	RequeueAfter time.Duration
	Weights      queue.LaneWeights
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.Interval <= 0 {
		c.Interval = defaultScanInterval
	}
	if c.Limit <= 0 {
		c.Limit = defaultScanLimit
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = defaultRequeueAfter
	}
	if len(c.Weights) == 0 {
		c.Weights = queue.DefaultLaneWeights()
	}
	return c
}

// Scheduler periodically publishes pending messages whose trigger was lost
// and scheduled messages whose time has come. It also returns messages stuck
// in processing after a worker crash to the retry state.
type Scheduler struct {
	scan       *laneScan
	messages   repository.MessageRepository
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewScheduler(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	cfg ScanConfig,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	cfg = cfg.withDefaults()
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		scan: &laneScan{
			name:         "scheduler",
			fetch:        messages.GetDueScheduled,
			messages:     messages,
			publisher:    publisher,
			weights:      cfg.Weights,
			limit:        cfg.Limit,
			requeueAfter: cfg.RequeueAfter,
			logger:       logger,
		},
		messages:   messages,
		logger:     logger,
		interval:   cfg.Interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.scan.metrics = metrics
}

func (s *Scheduler) Start(ctx context.Context) error {
	return runTicker(ctx, s.interval, s.logger, "scheduler", s.scanDue)
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	now := s.now().UTC()

	recovered, err := s.messages.RecoverStale(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		s.logger.Error("failed to recover stale messages", zap.Error(err))
	} else if recovered > 0 {
		s.logger.Warn("recovered messages stuck in processing", zap.Int64("count", recovered))
	}

	if _, err := s.scan.run(ctx, now); err != nil {
		return fmt.Errorf("failed to publish due scheduled messages: %w", err)
	}
	return nil
}

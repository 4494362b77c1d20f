package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/observability"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultScanInterval = 5 * time.Second
	defaultScanLimit    = 100
	defaultRequeueAfter = 5 * time.Minute
)

type dueFetcher func(ctx context.Context, params repository.DueParams) ([]domain.Message, error)

// laneScan publishes due messages lane by lane. Each scan splits its limit
// across lanes by weight, hands unused quota to lanes that filled theirs, and
// publishes in weighted round-robin order so a busy urgent lane cannot starve
// the low lane.
type laneScan struct {
	name         string
	fetch        dueFetcher
	messages     repository.MessageRepository
	publisher    queue.Publisher
	weights      queue.LaneWeights
	limit        int
	requeueAfter time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
}

func (s *laneScan) run(ctx context.Context, now time.Time) (int, error) {
	quotas := queue.SplitBudget(s.limit, s.weights)
	batches := make(map[domain.Priority][]domain.Message, len(quotas))

	leftover := 0
	full := make([]domain.Priority, 0, len(quotas))
	for _, priority := range domain.Priorities() {
		quota, ok := quotas[priority]
		if !ok || quota == 0 {
			continue
		}
		due, err := s.fetchLane(ctx, priority, now, quota)
		if err != nil {
			return 0, err
		}
		batches[priority] = due
		if len(due) < quota {
			leftover += quota - len(due)
		} else {
			full = append(full, priority)
		}
	}

	if leftover > 0 && len(full) > 0 {
		extra := queue.SplitBudget(leftover, s.weights.Only(full...))
		for _, priority := range full {
			if extra[priority] == 0 {
				continue
			}
			due, err := s.fetchLane(ctx, priority, now, quotas[priority]+extra[priority])
			if err != nil {
				return 0, err
			}
			batches[priority] = due
		}
	}

	published := 0
	counts := make(map[domain.Priority]int, len(batches))
	plan := queue.RoundRobinPlan(s.weights)
	for remaining(batches) > 0 {
		for _, priority := range plan {
			batch := batches[priority]
			if len(batch) == 0 {
				continue
			}
			msg := batch[0]
			batches[priority] = batch[1:]

			if s.publish(ctx, msg, now) {
				published++
				counts[priority]++
			}
		}
	}

	if s.metrics != nil {
		for priority, n := range counts {
			s.metrics.AddScanPublished(s.name, priority.String(), n)
		}
	}
	return published, nil
}

func (s *laneScan) fetchLane(ctx context.Context, priority domain.Priority, now time.Time, limit int) ([]domain.Message, error) {
	due, err := s.fetch(ctx, repository.DueParams{
		Priority:     priority,
		Now:          now,
		QueuedBefore: now.Add(-s.requeueAfter),
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due messages for lane %s: %w", priority, err)
	}
	return due, nil
}

func (s *laneScan) publish(ctx context.Context, msg domain.Message, now time.Time) bool {
	lane := queue.LaneName(msg.Priority)
	if err := s.publisher.Publish(ctx, lane, queue.NewDispatchMessage(msg)); err != nil {
		s.logger.Error("failed to publish due message",
			zap.String("scanner", s.name),
			zap.String("messageId", msg.ID),
			zap.String("lane", lane),
			zap.Error(err),
		)
		return false
	}

	updated, err := s.messages.MarkQueued(ctx, msg.ID, now)
	if err != nil {
		s.logger.Error("failed to mark message as queued",
			zap.String("scanner", s.name),
			zap.String("messageId", msg.ID),
			zap.Error(err),
		)
		return true
	}
	if !updated {
		s.logger.Info("message status changed before queue mark",
			zap.String("scanner", s.name),
			zap.String("messageId", msg.ID),
		)
	}
	return true
}

func remaining(batches map[domain.Priority][]domain.Message) int {
	n := 0
	for _, batch := range batches {
		n += len(batch)
	}
	return n
}

// runTicker runs scan once immediately and then on every tick until ctx is
// cancelled.
func runTicker(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, scan func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := scan(ctx); err != nil && ctx.Err() == nil {
		logger.Error(name+" initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error(name+" scan failed", zap.Error(err))
			}
		}
	}
}

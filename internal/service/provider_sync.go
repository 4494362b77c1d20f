package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval = 30 * time.Second
	finalSyncTimeout    = 5 * time.Second
)

// CounterSnapshots is the registry surface persisted by ProviderSync.
type CounterSnapshots interface {
	Snapshot() []domain.Provider
	Restore(saved []domain.Provider)
}

// ProviderSync persists provider counters periodically so health and quota
// usage survive restarts.
type ProviderSync struct {
	store    repository.ProviderStateRepository
	registry CounterSnapshots
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewProviderSync(
	store repository.ProviderStateRepository,
	registry CounterSnapshots,
	interval time.Duration,
	logger *zap.Logger,
) (*ProviderSync, error) {
	if store == nil {
		return nil, fmt.Errorf("provider state repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProviderSync{
		store:    store,
		registry: registry,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Restore loads persisted counters into the registry. Counters from a quota
// window that has since closed are zeroed.
func (s *ProviderSync) Restore(ctx context.Context) error {
	saved, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider state: %w", err)
	}

	now := s.now().UTC()
	for i := range saved {
		rollOver(&saved[i], now)
	}
	s.registry.Restore(saved)

	s.logger.Info("provider state restored", zap.Int("providers", len(saved)))
	return nil
}

func (s *ProviderSync) Save(ctx context.Context) error {
	if err := s.store.SaveAll(ctx, s.registry.Snapshot()); err != nil {
		return fmt.Errorf("failed to save provider state: %w", err)
	}
	return nil
}

// Start saves on every tick and once more on shutdown.
func (s *ProviderSync) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSyncTimeout)
			defer cancel()
			if err := s.Save(finalCtx); err != nil {
				s.logger.Error("final provider state save failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error("provider state save failed", zap.Error(err))
			}
		}
	}
}

func rollOver(p *domain.Provider, now time.Time) {
	if p.LastUsedAt == nil {
		return
	}
	last := p.LastUsedAt.UTC()
	if last.Year() != now.Year() || last.Month() != now.Month() {
		p.MonthlySent = 0
		p.DailySent = 0
		return
	}
	if last.Day() != now.Day() {
		p.DailySent = 0
	}
}

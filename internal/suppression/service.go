package suppression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"go.uber.org/zap"
)

// Store is the durable suppression list.
type Store interface {
	Add(ctx context.Context, s *domain.Suppression) error
	Remove(ctx context.Context, address string) error
	Get(ctx context.Context, address string) (*domain.Suppression, error)
	ListAddresses(ctx context.Context) ([]string, error)
}

// Cache mirrors the store for hot-path lookups.
type Cache interface {
	Contains(ctx context.Context, address string) (bool, error)
	Add(ctx context.Context, addresses ...string) error
	Remove(ctx context.Context, address string) error
}

// Service answers "may this address be contacted". With a cache configured,
// lookups hit the cache and fall back to the store only when the cache
// errors; Warm must run before the cache is trusted.
type Service struct {
	store  Store
	cache  Cache
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, cache Cache, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("suppression store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Warm copies the whole store into the cache.
func (s *Service) Warm(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	addresses, err := s.store.ListAddresses(ctx)
	if err != nil {
		return fmt.Errorf("failed to list suppressions: %w", err)
	}
	if err := s.cache.Add(ctx, addresses...); err != nil {
		return fmt.Errorf("failed to warm suppression cache: %w", err)
	}

	s.logger.Info("suppression cache warmed", zap.Int("count", len(addresses)))
	return nil
}

func (s *Service) IsSuppressed(ctx context.Context, address string) (bool, error) {
	normalized := domain.NormalizeAddress(address)
	if normalized == "" {
		return false, nil
	}

	if s.cache != nil {
		found, err := s.cache.Contains(ctx, normalized)
		if err == nil {
			return found, nil
		}
		s.logger.Warn("suppression cache lookup failed, using store",
			zap.String("address", normalized),
			zap.Error(err),
		)
	}

	_, err := s.store.Get(ctx, normalized)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check suppression: %w", err)
}

func (s *Service) Suppress(ctx context.Context, address string, reason domain.SuppressionReason, source string) (*domain.Suppression, error) {
	normalized := domain.NormalizeAddress(address)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return nil, fmt.Errorf("%w: invalid address %q", domain.ErrValidation, address)
	}
	if reason == "" {
		reason = domain.ReasonManual
	}
	if !reason.IsValid() {
		return nil, fmt.Errorf("%w: invalid suppression reason %q", domain.ErrValidation, reason)
	}

	entry := &domain.Suppression{
		Address:   normalized,
		Reason:    reason,
		Source:    strings.TrimSpace(source),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Add(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store suppression: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Add(ctx, normalized); err != nil {
			s.logger.Warn("failed to cache suppression",
				zap.String("address", normalized),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("address suppressed",
		zap.String("address", normalized),
		zap.String("reason", string(reason)),
	)
	return entry, nil
}

func (s *Service) Unsuppress(ctx context.Context, address string) error {
	normalized := domain.NormalizeAddress(address)
	if err := s.store.Remove(ctx, normalized); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Remove(ctx, normalized); err != nil {
			s.logger.Warn("failed to remove suppression from cache",
				zap.String("address", normalized),
				zap.Error(err),
			)
		}
	}
	return nil
}

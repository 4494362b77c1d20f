package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderStateRepository persists provider counters across restarts.
type ProviderStateRepository interface {
	SaveAll(ctx context.Context, providers []domain.Provider) error
	LoadAll(ctx context.Context) ([]domain.Provider, error)
}

type GormProviderStateRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormProviderStateRepo(db *gorm.DB) *GormProviderStateRepo {
	return &GormProviderStateRepo{db: db, now: time.Now}
}

func (r *GormProviderStateRepo) SaveAll(ctx context.Context, providers []domain.Provider) error {
	if len(providers) == 0 {
		return nil
	}

	now := r.now().UTC()
	models := make([]ProviderStateModel, 0, len(providers))
	for _, p := range providers {
		models = append(models, providerStateFromDomain(p, now))
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kind",
				"status",
				"success_rate",
				"sent_count",
				"failed_count",
				"consecutive_failures",
				"avg_response_ms",
				"daily_sent",
				"monthly_sent",
				"last_used_at",
				"last_health_check_at",
				"last_health_ok",
				"last_error",
				"rate_limited_until",
				"updated_at",
			}),
		}).
		Create(&models).Error
}

func (r *GormProviderStateRepo) LoadAll(ctx context.Context) ([]domain.Provider, error) {
	var models []ProviderStateModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	providers := make([]domain.Provider, 0, len(models))
	for i := range models {
		providers = append(providers, providerStateToDomain(&models[i]))
	}
	return providers, nil
}

package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SuppressionRepository interface {
	Add(ctx context.Context, s *domain.Suppression) error
	Remove(ctx context.Context, address string) error
	Get(ctx context.Context, address string) (*domain.Suppression, error)
	ListAddresses(ctx context.Context) ([]string, error)
}

type GormSuppressionRepo struct {
	db *gorm.DB
}

func NewGormSuppressionRepo(db *gorm.DB) *GormSuppressionRepo {
	return &GormSuppressionRepo{db: db}
}

// Add inserts the address or updates the reason of an existing entry.
func (r *GormSuppressionRepo) Add(ctx context.Context, s *domain.Suppression) error {
	model := suppressionModelFromDomain(s)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "source"}),
		}).
		Create(model).Error
}

func (r *GormSuppressionRepo) Remove(ctx context.Context, address string) error {
	result := r.db.WithContext(ctx).
		Where("address = ?", address).
		Delete(&SuppressionModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormSuppressionRepo) Get(ctx context.Context, address string) (*domain.Suppression, error) {
	var model SuppressionModel
	err := r.db.WithContext(ctx).First(&model, "address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return suppressionModelToDomain(&model), nil
}

func (r *GormSuppressionRepo) ListAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := r.db.WithContext(ctx).
		Model(&SuppressionModel{}).
		Order("address ASC").
		Pluck("address", &addresses).Error
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

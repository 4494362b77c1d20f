package repository

import (
	"context"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"gorm.io/gorm"
)

// EventRepository stores the append-only delivery event log.
type EventRepository interface {
	Append(ctx context.Context, e *domain.DeliveryEvent) error
	ListByMessageID(ctx context.Context, messageID string) ([]domain.DeliveryEvent, error)
}

type GormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) Append(ctx context.Context, e *domain.DeliveryEvent) error {
	model := eventModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *eventModelToDomain(model)
	}
	return nil
}

func (r *GormEventRepo) ListByMessageID(ctx context.Context, messageID string) ([]domain.DeliveryEvent, error) {
	var models []DeliveryEventModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.DeliveryEvent, 0, len(models))
	for i := range models {
		events = append(events, *eventModelToDomain(&models[i]))
	}

	return events, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.Status
	Priority *domain.Priority
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DueParams selects one lane's messages that are due for publishing.
// Messages published after QueuedBefore are skipped to avoid duplicate
// triggers while the first one is still in flight.
type DueParams struct {
	Priority     domain.Priority
	Now          time.Time
	QueuedBefore time.Time
	Limit        int
}

// RetryUpdate carries the fields written when an attempt is put back into
// the retry state.
type RetryUpdate struct {
	ProviderID      *string
	RetryCount      int
	NextRetryAt     time.Time
	LastError       string
	LastErrorDetail *string
}

type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Message, error)
	List(ctx context.Context, params ListParams) ([]domain.Message, int64, error)

	ClaimForProcessing(ctx context.Context, id string, now time.Time) (*domain.Message, error)
	SetProvider(ctx context.Context, id string, providerID string) error
	MarkSent(ctx context.Context, id string, providerID string, providerMessageID *string, sentAt time.Time) error
	MarkRetry(ctx context.Context, id string, update RetryUpdate) error
	MarkFailed(ctx context.Context, id string, lastError string, detail *string) error

	Cancel(ctx context.Context, id string) (bool, error)
	Reschedule(ctx context.Context, id string, at time.Time) error
	MarkQueued(ctx context.Context, id string, at time.Time) (bool, error)

	GetDueScheduled(ctx context.Context, params DueParams) ([]domain.Message, error)
	GetDueRetries(ctx context.Context, params DueParams) ([]domain.Message, error)
	RecoverStale(ctx context.Context, before, now time.Time) (int64, error)
}

type GormMessageRepo struct {
	db *gorm.DB
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db}
}

func (r *GormMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	model := messageModelFromDomain(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if m != nil {
		*m = *messageModelToDomain(model)
	}
	return nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) List(ctx context.Context, params ListParams) ([]domain.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&MessageModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Priority != nil {
		query = query.Where("priority = ?", *params.Priority)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []MessageModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return messagesToDomain(models), total, nil
}

// ClaimForProcessing moves a due message into processing under a row lock.
// It returns nil without error when the message is not due or no longer
// dispatchable, e.g. a duplicate trigger or a concurrent cancel.
func (r *GormMessageRepo) ClaimForProcessing(ctx context.Context, id string, now time.Time) (*domain.Message, error) {
	var claimed *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		msg := messageModelToDomain(&model)
		if !msg.IsDue(now) {
			return nil
		}
		next, err := domain.Transition(msg.Status, domain.EventDispatch)
		if err != nil {
			return nil
		}

		if err := tx.Model(&MessageModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     next,
				"queued_at":  nil,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		msg.Status = next
		msg.QueuedAt = nil
		msg.UpdatedAt = now
		claimed = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *GormMessageRepo) SetProvider(ctx context.Context, id string, providerID string) error {
	return r.updateProcessing(ctx, id, map[string]any{
		"provider_id": providerID,
	})
}

func (r *GormMessageRepo) MarkSent(ctx context.Context, id string, providerID string, providerMessageID *string, sentAt time.Time) error {
	return r.finishProcessing(ctx, id, domain.EventDelivered, map[string]any{
		"provider_id":         providerID,
		"provider_message_id": providerMessageID,
		"sent_at":             sentAt,
		"next_retry_at":       nil,
		"last_error":          nil,
		"last_error_detail":   nil,
	})
}

func (r *GormMessageRepo) MarkRetry(ctx context.Context, id string, update RetryUpdate) error {
	updates := map[string]any{
		"retry_count":       update.RetryCount,
		"next_retry_at":     update.NextRetryAt,
		"last_error":        update.LastError,
		"last_error_detail": update.LastErrorDetail,
		"queued_at":         nil,
	}
	if update.ProviderID != nil {
		updates["provider_id"] = *update.ProviderID
	}
	return r.finishProcessing(ctx, id, domain.EventAttemptFailed, updates)
}

func (r *GormMessageRepo) MarkFailed(ctx context.Context, id string, lastError string, detail *string) error {
	return r.finishProcessing(ctx, id, domain.EventExhausted, map[string]any{
		"last_error":        lastError,
		"last_error_detail": detail,
		"next_retry_at":     nil,
	})
}

// Cancel moves any non-terminal message to cancelled, including one a worker
// currently holds. It reports false for an already terminal message.
func (r *GormMessageRepo) Cancel(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, domain.SourcesFor(domain.EventCancel)).
		Updates(map[string]any{
			"status":        domain.StatusCancelled,
			"next_retry_at": nil,
			"queued_at":     nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	err := r.missingOrConflict(ctx, id)
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	return false, err
}

func (r *GormMessageRepo) Reschedule(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, domain.SourcesFor(domain.EventSchedule)).
		Updates(map[string]any{
			"status":        domain.StatusScheduled,
			"scheduled_at":  at,
			"next_retry_at": nil,
			"queued_at":     nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// MarkQueued records that a dispatch trigger was published for the message.
func (r *GormMessageRepo) MarkQueued(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, domain.SourcesFor(domain.EventDispatch)).
		Update("queued_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormMessageRepo) GetDueScheduled(ctx context.Context, params DueParams) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("priority = ?", params.Priority).
		Where("(status = ? OR (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)))",
			domain.StatusPending, domain.StatusScheduled, params.Now).
		Where("(queued_at IS NULL OR queued_at <= ?)", params.QueuedBefore).
		Order("created_at ASC").
		Limit(params.Limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return messagesToDomain(models), nil
}

func (r *GormMessageRepo) GetDueRetries(ctx context.Context, params DueParams) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("priority = ? AND status = ?", params.Priority, domain.StatusRetry).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", params.Now).
		Where("(queued_at IS NULL OR queued_at <= ?)", params.QueuedBefore).
		Order("next_retry_at ASC").
		Limit(params.Limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return messagesToDomain(models), nil
}

// RecoverStale returns messages stuck in processing since before to the
// retry state so a crashed worker does not strand them.
func (r *GormMessageRepo) RecoverStale(ctx context.Context, before, now time.Time) (int64, error) {
	next, err := domain.Transition(domain.StatusProcessing, domain.EventDeferred)
	if err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, before).
		Updates(map[string]any{
			"status":        next,
			"next_retry_at": now,
			"queued_at":     nil,
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}

func (r *GormMessageRepo) updateProcessing(ctx context.Context, id string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// finishProcessing applies event to a message still in processing. A
// concurrent cancel makes the precondition fail with ErrConflict.
func (r *GormMessageRepo) finishProcessing(ctx context.Context, id string, event domain.Event, updates map[string]any) error {
	next, err := domain.Transition(domain.StatusProcessing, event)
	if err != nil {
		return err
	}
	updates["status"] = next
	return r.updateProcessing(ctx, id, updates)
}

func (r *GormMessageRepo) missingOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: message %s changed status concurrently", domain.ErrConflict, id)
}

func messagesToDomain(models []MessageModel) []domain.Message {
	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages
}

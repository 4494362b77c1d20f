package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/queue"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const suppressedReason = "recipient suppressed"

// EventRecorder appends delivery events to the audit log.
type EventRecorder interface {
	Record(ctx context.Context, event domain.DeliveryEvent) error
	List(ctx context.Context, messageID string) ([]domain.DeliveryEvent, error)
}

// SuppressionList answers and mutates the do-not-contact list.
type SuppressionList interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
	Suppress(ctx context.Context, address string, reason domain.SuppressionReason, source string) (*domain.Suppression, error)
	Unsuppress(ctx context.Context, address string) error
}

// StatisticsSource exposes the provider dashboard view.
type StatisticsSource interface {
	Statistics() []registry.ProviderStats
}

// MessageStatus is the caller-facing view of a message's progress.
type MessageStatus struct {
	ID                string
	Status            domain.Status
	Priority          domain.Priority
	RetryCount        int
	MaxRetries        int
	LastError         *string
	ProviderID        *string
	ProviderMessageID *string
	ScheduledAt       *time.Time
	NextRetryAt       *time.Time
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type DeliveryService struct {
	messages     repository.MessageRepository
	recorder     EventRecorder
	suppressions SuppressionList
	publisher    queue.Publisher
	stats        StatisticsSource
	maxRetries   int
	logger       *zap.Logger
	now          func() time.Time
}

func NewDeliveryService(
	messages repository.MessageRepository,
	recorder EventRecorder,
	suppressions SuppressionList,
	publisher queue.Publisher,
	stats StatisticsSource,
	defaultMaxRetries int,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("event recorder is required")
	}
	if suppressions == nil {
		return nil, fmt.Errorf("suppression list is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = domain.DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		messages:     messages,
		recorder:     recorder,
		suppressions: suppressions,
		publisher:    publisher,
		stats:        stats,
		maxRetries:   defaultMaxRetries,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Enqueue stores a new message and, when it is due now, publishes a dispatch
// trigger on its lane. A suppressed recipient yields a cancelled message and
// no error. A publish failure is logged only: the scheduler republishes
// pending messages.
func (s *DeliveryService) Enqueue(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UTC()
	if err := s.prepareForEnqueue(msg, now); err != nil {
		return nil, err
	}

	suppressed, err := s.suppressions.IsSuppressed(ctx, msg.Recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to check suppression list: %w", err)
	}
	if suppressed {
		reason := suppressedReason
		msg.Status = domain.StatusCancelled
		msg.LastError = &reason
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, msg.IdempotencyKey)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if resolved {
			return existing, nil
		}
		return nil, err
	}

	if suppressed {
		s.logger.Info("recipient suppressed, message cancelled",
			zap.String("messageId", msg.ID),
			zap.String("correlationId", msg.CorrelationID),
		)
		s.record(ctx, domain.DeliveryEvent{
			MessageID: msg.ID,
			Type:      domain.EventTypeCancelled,
			Error:     msg.LastError,
		})
		return msg, nil
	}

	s.record(ctx, domain.DeliveryEvent{MessageID: msg.ID, Type: domain.EventTypeQueued})

	if msg.Status != domain.StatusPending {
		return msg, nil
	}

	lane := queue.LaneName(msg.Priority)
	if err := s.publisher.Publish(ctx, lane, queue.NewDispatchMessage(*msg)); err != nil {
		s.logger.Warn("failed to publish dispatch trigger, scheduler will retry",
			zap.String("messageId", msg.ID),
			zap.String("lane", lane),
			zap.Error(err),
		)
		return msg, nil
	}

	queued, err := s.messages.MarkQueued(ctx, msg.ID, now)
	if err != nil {
		s.logger.Warn("failed to mark message as queued",
			zap.String("messageId", msg.ID),
			zap.Error(err),
		)
	} else if queued {
		msg.QueuedAt = &now
	}

	return msg, nil
}

// Cancel moves a message to cancelled. Cancelling an already terminal
// message is a no-op.
func (s *DeliveryService) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}

	cancelled, err := s.messages.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	reason := "cancelled by request"
	s.record(ctx, domain.DeliveryEvent{MessageID: id, Type: domain.EventTypeCancelled, Error: &reason})
	return nil
}

// Reschedule moves a waiting message to a new send time. Messages being
// processed or already terminal return ErrConflict.
func (s *DeliveryService) Reschedule(ctx context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	if at.IsZero() {
		return fmt.Errorf("%w: scheduledAt is required", domain.ErrValidation)
	}
	return s.messages.Reschedule(ctx, id, at.UTC())
}

func (s *DeliveryService) Get(ctx context.Context, id string) (*domain.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return s.messages.GetByID(ctx, id)
}

func (s *DeliveryService) GetStatus(ctx context.Context, id string) (*MessageStatus, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &MessageStatus{
		ID:                msg.ID,
		Status:            msg.Status,
		Priority:          msg.Priority,
		RetryCount:        msg.RetryCount,
		MaxRetries:        msg.MaxRetries,
		LastError:         msg.LastError,
		ProviderID:        msg.ProviderID,
		ProviderMessageID: msg.ProviderMessageID,
		ScheduledAt:       msg.ScheduledAt,
		NextRetryAt:       msg.NextRetryAt,
		SentAt:            msg.SentAt,
		CreatedAt:         msg.CreatedAt,
		UpdatedAt:         msg.UpdatedAt,
	}, nil
}

func (s *DeliveryService) List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
	return s.messages.List(ctx, params)
}

func (s *DeliveryService) ListEvents(ctx context.Context, id string) ([]domain.DeliveryEvent, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.recorder.List(ctx, msg.ID)
}

func (s *DeliveryService) ProviderStatistics() []registry.ProviderStats {
	if s.stats == nil {
		return nil
	}
	return s.stats.Statistics()
}

func (s *DeliveryService) Suppress(
	ctx context.Context,
	address string,
	reason domain.SuppressionReason,
	source string,
) (*domain.Suppression, error) {
	return s.suppressions.Suppress(ctx, address, reason, source)
}

func (s *DeliveryService) Unsuppress(ctx context.Context, address string) error {
	return s.suppressions.Unsuppress(ctx, address)
}

func (s *DeliveryService) prepareForEnqueue(m *domain.Message, now time.Time) error {
	if m == nil {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}

	m.Recipient = strings.TrimSpace(m.Recipient)
	m.Subject = strings.TrimSpace(m.Subject)
	m.TemplateRef = strings.TrimSpace(m.TemplateRef)
	m.CorrelationID = strings.TrimSpace(m.CorrelationID)
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TrackingID == "" {
		m.TrackingID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	m.IdempotencyKey = normalizeOptionalString(m.IdempotencyKey)

	if m.Priority == "" {
		m.Priority = domain.PriorityNormal
	}
	if m.Category == "" {
		m.Category = domain.CategoryTransactional
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = s.maxRetries
	}

	m.Status = domain.StatusPending
	if m.ScheduledAt != nil {
		at := m.ScheduledAt.UTC()
		m.ScheduledAt = &at
		if at.After(now) {
			next, err := domain.Transition(m.Status, domain.EventSchedule)
			if err != nil {
				return err
			}
			m.Status = next
		}
	}

	m.RetryCount = 0
	m.ProviderID = nil
	m.CreatedAt = now
	m.UpdatedAt = now
	m.ProviderMessageID = nil
	m.NextRetryAt = nil
	m.QueuedAt = nil
	m.LastError = nil
	m.LastErrorDetail = nil
	m.SentAt = nil

	return m.Validate()
}

func (s *DeliveryService) record(ctx context.Context, event domain.DeliveryEvent) {
	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.Error("failed to record delivery event",
			zap.String("messageId", event.MessageID),
			zap.String("eventType", event.Type.String()),
			zap.Error(err),
		)
	}
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *DeliveryService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Message, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.messages.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing message after idempotency conflict: %w", err)
	}
	s.logger.Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", *idempotencyKey),
	)
	return existing, true, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

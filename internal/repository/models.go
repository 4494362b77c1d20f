package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	CorrelationID  string  `gorm:"type:varchar(36);not null"`
	IdempotencyKey *string `gorm:"type:varchar(255)"`

	Recipient     string `gorm:"type:varchar(320);not null"`
	RecipientName string `gorm:"type:varchar(255)"`
	FromAddress   string `gorm:"type:varchar(320)"`
	FromName      string `gorm:"type:varchar(255)"`
	ReplyTo       string `gorm:"type:varchar(320)"`

	Subject      string         `gorm:"type:text"`
	HTMLBody     string         `gorm:"column:html_body;type:text"`
	TextBody     string         `gorm:"type:text"`
	TemplateRef  string         `gorm:"type:varchar(255)"`
	TemplateVars map[string]any `gorm:"type:jsonb;serializer:json"`

	Priority           domain.Priority `gorm:"type:varchar(10);not null"`
	Category           domain.Category `gorm:"type:varchar(32);not null"`
	PreferredProviders []string        `gorm:"type:jsonb;serializer:json"`

	Status            domain.Status `gorm:"type:varchar(20);not null"`
	ScheduledAt       *time.Time    `gorm:"type:timestamptz"`
	ProviderID        *string       `gorm:"type:varchar(64)"`
	ProviderMessageID *string       `gorm:"type:varchar(255)"`
	TrackingID        string        `gorm:"type:varchar(64);not null"`
	RetryCount        int           `gorm:"not null;default:0"`
	MaxRetries        int           `gorm:"not null;default:3"`
	NextRetryAt       *time.Time    `gorm:"type:timestamptz"`
	QueuedAt          *time.Time    `gorm:"type:timestamptz"`
	LastError         *string       `gorm:"type:text"`
	LastErrorDetail   *string       `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time `gorm:"type:timestamptz"`
}

func (MessageModel) TableName() string {
	return "messages"
}

// DeliveryEventModel is the persistence model for delivery_events.
type DeliveryEventModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	MessageID  string           `gorm:"type:uuid;not null"`
	Type       domain.EventType `gorm:"type:varchar(20);not null"`
	ProviderID *string          `gorm:"type:varchar(64)"`
	Attempt    int              `gorm:"not null;default:0"`
	DurationMs int64            `gorm:"not null;default:0"`
	Error      *string          `gorm:"type:text"`
	CreatedAt  time.Time
}

func (DeliveryEventModel) TableName() string {
	return "delivery_events"
}

// ProviderStateModel persists the live counters of one provider. Catalog
// fields (priority, weight, limits) always come from configuration.
type ProviderStateModel struct {
	ID                  string                `gorm:"type:varchar(64);primaryKey"`
	Kind                domain.TransportKind  `gorm:"type:varchar(20);not null"`
	Status              domain.ProviderStatus `gorm:"type:varchar(20);not null"`
	SuccessRate         float64               `gorm:"not null;default:100"`
	SentCount           int64                 `gorm:"not null;default:0"`
	FailedCount         int64                 `gorm:"not null;default:0"`
	ConsecutiveFailures int                   `gorm:"not null;default:0"`
	AvgResponseMs       float64               `gorm:"not null;default:0"`
	DailySent           int64                 `gorm:"not null;default:0"`
	MonthlySent         int64                 `gorm:"not null;default:0"`
	LastUsedAt          *time.Time            `gorm:"type:timestamptz"`
	LastHealthCheckAt   *time.Time            `gorm:"type:timestamptz"`
	LastHealthOK        bool                  `gorm:"not null;default:false"`
	LastError           string                `gorm:"type:text"`
	RateLimitedUntil    *time.Time            `gorm:"type:timestamptz"`
	UpdatedAt           time.Time
}

func (ProviderStateModel) TableName() string {
	return "providers"
}

// SuppressionModel is the persistence model for suppressions.
type SuppressionModel struct {
	Address   string                   `gorm:"type:varchar(320);primaryKey"`
	Reason    domain.SuppressionReason `gorm:"type:varchar(20);not null"`
	Source    string                   `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

func (SuppressionModel) TableName() string {
	return "suppressions"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:                 m.ID,
		CorrelationID:      m.CorrelationID,
		IdempotencyKey:     m.IdempotencyKey,
		Recipient:          m.Recipient,
		RecipientName:      m.RecipientName,
		FromAddress:        m.FromAddress,
		FromName:           m.FromName,
		ReplyTo:            m.ReplyTo,
		Subject:            m.Subject,
		HTMLBody:           m.HTMLBody,
		TextBody:           m.TextBody,
		TemplateRef:        m.TemplateRef,
		TemplateVars:       m.TemplateVars,
		Priority:           m.Priority,
		Category:           m.Category,
		PreferredProviders: m.PreferredProviders,
		Status:             m.Status,
		ScheduledAt:        m.ScheduledAt,
		ProviderID:         m.ProviderID,
		ProviderMessageID:  m.ProviderMessageID,
		TrackingID:         m.TrackingID,
		RetryCount:         m.RetryCount,
		MaxRetries:         m.MaxRetries,
		NextRetryAt:        m.NextRetryAt,
		QueuedAt:           m.QueuedAt,
		LastError:          m.LastError,
		LastErrorDetail:    m.LastErrorDetail,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		SentAt:             m.SentAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:                 m.ID,
		CorrelationID:      m.CorrelationID,
		IdempotencyKey:     m.IdempotencyKey,
		Recipient:          m.Recipient,
		RecipientName:      m.RecipientName,
		FromAddress:        m.FromAddress,
		FromName:           m.FromName,
		ReplyTo:            m.ReplyTo,
		Subject:            m.Subject,
		HTMLBody:           m.HTMLBody,
		TextBody:           m.TextBody,
		TemplateRef:        m.TemplateRef,
		TemplateVars:       m.TemplateVars,
		Priority:           m.Priority,
		Category:           m.Category,
		PreferredProviders: m.PreferredProviders,
		Status:             m.Status,
		ScheduledAt:        m.ScheduledAt,
		ProviderID:         m.ProviderID,
		ProviderMessageID:  m.ProviderMessageID,
		TrackingID:         m.TrackingID,
		RetryCount:         m.RetryCount,
		MaxRetries:         m.MaxRetries,
		NextRetryAt:        m.NextRetryAt,
		QueuedAt:           m.QueuedAt,
		LastError:          m.LastError,
		LastErrorDetail:    m.LastErrorDetail,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		SentAt:             m.SentAt,
	}
}

func eventModelFromDomain(e *domain.DeliveryEvent) *DeliveryEventModel {
	if e == nil {
		return nil
	}

	return &DeliveryEventModel{
		ID:         e.ID,
		MessageID:  e.MessageID,
		Type:       e.Type,
		ProviderID: e.ProviderID,
		Attempt:    e.Attempt,
		DurationMs: e.Duration.Milliseconds(),
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
	}
}

func eventModelToDomain(m *DeliveryEventModel) *domain.DeliveryEvent {
	if m == nil {
		return nil
	}

	return &domain.DeliveryEvent{
		ID:         m.ID,
		MessageID:  m.MessageID,
		Type:       m.Type,
		ProviderID: m.ProviderID,
		Attempt:    m.Attempt,
		Duration:   time.Duration(m.DurationMs) * time.Millisecond,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
	}
}

func providerStateFromDomain(p domain.Provider, now time.Time) ProviderStateModel {
	return ProviderStateModel{
		ID:                  p.ID,
		Kind:                p.Kind,
		Status:              p.Status,
		SuccessRate:         p.SuccessRate,
		SentCount:           p.SentCount,
		FailedCount:         p.FailedCount,
		ConsecutiveFailures: p.ConsecutiveFailures,
		AvgResponseMs:       p.AvgResponseMs,
		DailySent:           p.DailySent,
		MonthlySent:         p.MonthlySent,
		LastUsedAt:          p.LastUsedAt,
		LastHealthCheckAt:   p.LastHealthCheckAt,
		LastHealthOK:        p.LastHealthOK,
		LastError:           p.LastError,
		RateLimitedUntil:    p.RateLimitedUntil,
		UpdatedAt:           now,
	}
}

func providerStateToDomain(m *ProviderStateModel) domain.Provider {
	return domain.Provider{
		ID:                  m.ID,
		Kind:                m.Kind,
		Status:              m.Status,
		SuccessRate:         m.SuccessRate,
		SentCount:           m.SentCount,
		FailedCount:         m.FailedCount,
		ConsecutiveFailures: m.ConsecutiveFailures,
		AvgResponseMs:       m.AvgResponseMs,
		DailySent:           m.DailySent,
		MonthlySent:         m.MonthlySent,
		LastUsedAt:          m.LastUsedAt,
		LastHealthCheckAt:   m.LastHealthCheckAt,
		LastHealthOK:        m.LastHealthOK,
		LastError:           m.LastError,
		RateLimitedUntil:    m.RateLimitedUntil,
	}
}

func suppressionModelFromDomain(s *domain.Suppression) *SuppressionModel {
	if s == nil {
		return nil
	}

	return &SuppressionModel{
		Address:   s.Address,
		Reason:    s.Reason,
		Source:    s.Source,
		CreatedAt: s.CreatedAt,
	}
}

func suppressionModelToDomain(m *SuppressionModel) *domain.Suppression {
	if m == nil {
		return nil
	}

	return &domain.Suppression{
		Address:   m.Address,
		Reason:    m.Reason,
		Source:    m.Source,
		CreatedAt: m.CreatedAt,
	}
}

package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusSent, StatusRetry, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// NonTerminalStatuses lists every status a cancel request may act on.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusScheduled, StatusProcessing, StatusRetry}
}

// Priority represents the message priority level. It also names the lane.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(s)))
	if pr == "" {
		return PriorityNormal, nil
	}
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Priorities returns all priorities from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Category tags the kind of traffic. Marketing traffic is routed cost-first.
type Category string

const (
	CategoryTransactional Category = "transactional"
	CategoryMarketing     Category = "marketing"
	CategoryNotification  Category = "notification"
	CategorySystem        Category = "system"
)

func (c Category) String() string { return string(c) }

func ParseCategoryFromString(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryTransactional
	}
	return c
}

const (
	DefaultMaxRetries = 3
	MaxSubjectLength  = 998
	MaxBodyLength     = 1 << 20
)

// Message is one unit of delivery work held by the delivery queue.
type Message struct {
	ID             string
	CorrelationID  string
	IdempotencyKey *string

	Recipient     string
	RecipientName string
	FromAddress   string
	FromName      string
	ReplyTo       string

	Subject      string
	HTMLBody     string
	TextBody     string
	TemplateRef  string
	TemplateVars map[string]any

	Priority           Priority
	Category           Category
	PreferredProviders []string

	Status            Status
	ScheduledAt       *time.Time
	ProviderID        *string
	ProviderMessageID *string
	TrackingID        string
	RetryCount        int
	MaxRetries        int
	NextRetryAt       *time.Time
	QueuedAt          *time.Time
	LastError         *string
	LastErrorDetail   *string

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
}

// HasTemplate reports whether the payload must be rendered before sending.
func (m *Message) HasTemplate() bool {
	return strings.TrimSpace(m.TemplateRef) != ""
}

// IsDue reports whether the message may be picked up for processing at now.
func (m *Message) IsDue(now time.Time) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusScheduled:
		return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
	case StatusRetry:
		return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
	}
	return false
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(m.Recipient); err != nil {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, m.Recipient)
	}
	if m.ReplyTo != "" {
		if _, err := mail.ParseAddress(m.ReplyTo); err != nil {
			return fmt.Errorf("%w: invalid reply-to %q", ErrValidation, m.ReplyTo)
		}
	}
	if m.FromAddress != "" {
		if _, err := mail.ParseAddress(m.FromAddress); err != nil {
			return fmt.Errorf("%w: invalid from address %q", ErrValidation, m.FromAddress)
		}
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, m.Priority)
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}

	if !m.HasTemplate() {
		if strings.TrimSpace(m.Subject) == "" {
			return fmt.Errorf("%w: subject is required without a template", ErrValidation)
		}
		if strings.TrimSpace(m.HTMLBody) == "" && strings.TrimSpace(m.TextBody) == "" {
			return fmt.Errorf("%w: body is required without a template", ErrValidation)
		}
	}

	if len(m.Subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLength)
	}
	if len(m.HTMLBody)+len(m.TextBody) > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, MaxBodyLength)
	}

	return nil
}

// NormalizeAddress lower-cases and trims an address for suppression lookups.
func NormalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if parsed, err := mail.ParseAddress(trimmed); err == nil {
		trimmed = parsed.Address
	}
	return strings.ToLower(trimmed)
}

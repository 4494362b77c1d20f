package domain

import "time"

// EventType classifies a delivery event.
type EventType string

const (
	EventTypeQueued    EventType = "queued"
	EventTypeSent      EventType = "sent"
	EventTypeFailed    EventType = "failed"
	EventTypeBounced   EventType = "bounced"
	EventTypeDeferred  EventType = "deferred"
	EventTypeCancelled EventType = "cancelled"
)

func (t EventType) String() string { return string(t) }

// DeliveryEvent is an immutable audit record of one step in a message's life.
type DeliveryEvent struct {
	ID         string
	MessageID  string
	Type       EventType
	ProviderID *string
	Attempt    int
	Duration   time.Duration
	Error      *string
	CreatedAt  time.Time
}

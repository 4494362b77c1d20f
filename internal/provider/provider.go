package provider

import (
	"context"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// Adapter is the outbound delivery port implemented once per backend kind.
type Adapter interface {
	Send(ctx context.Context, envelope Envelope) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Envelope is a fully rendered message addressed for one backend.
type Envelope struct {
	MessageID  string
	TrackingID string
	Category   domain.Category

	To       string
	ToName   string
	From     string
	FromName string
	ReplyTo  string

	Subject string
	HTML    string
	Text    string
}

// Result stores backend call metadata for audit and persistence.
type Result struct {
	Accepted          bool
	ProviderMessageID string
	StatusCode        int
	Body              string
}

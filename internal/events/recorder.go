package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-router/internal/domain"
	"go.uber.org/zap"
)

// Store is the append-only event log.
type Store interface {
	Append(ctx context.Context, e *domain.DeliveryEvent) error
	ListByMessageID(ctx context.Context, messageID string) ([]domain.DeliveryEvent, error)
}

// Sink forwards recorded events to an analytics pipeline.
type Sink interface {
	Publish(ctx context.Context, event domain.DeliveryEvent) error
	Close() error
}

// Recorder appends delivery events and forwards them to an optional sink.
// A sink failure is logged and never fails the delivery that produced the
// event.
type Recorder struct {
	store  Store
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewRecorder(store Store, sink Sink, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

func (r *Recorder) Record(ctx context.Context, event domain.DeliveryEvent) error {
	if event.MessageID == "" {
		return fmt.Errorf("%w: event message id is required", domain.ErrValidation)
	}
	if event.ID == "" {
		event.ID = r.newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}

	if err := r.store.Append(ctx, &event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}

	if r.sink != nil {
		if err := r.sink.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to forward delivery event",
				zap.String("messageId", event.MessageID),
				zap.String("eventType", event.Type.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Recorder) List(ctx context.Context, messageID string) ([]domain.DeliveryEvent, error) {
	return r.store.ListByMessageID(ctx, messageID)
}

func (r *Recorder) Close() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

// Payload is the wire form of a delivery event on the stream.
type Payload struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	Type       string    `json:"type"`
	ProviderID string    `json:"providerId,omitempty"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func Encode(event domain.DeliveryEvent) ([]byte, error) {
	payload := Payload{
		ID:         event.ID,
		MessageID:  event.MessageID,
		Type:       event.Type.String(),
		Attempt:    event.Attempt,
		DurationMs: event.Duration.Milliseconds(),
		CreatedAt:  event.CreatedAt,
	}
	if event.ProviderID != nil {
		payload.ProviderID = *event.ProviderID
	}
	if event.Error != nil {
		payload.Error = *event.Error
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery event: %w", err)
	}
	return body, nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes dispatch triggers to lane queues through the
// default exchange, with broker confirms.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, lane string, msg DispatchMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if lane == "" {
		return fmt.Errorf("lane name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatch message: %w", err)
	}

	publishing, err := newPublishing(msg, p.now())
	if err != nil {
		return err
	}
	return p.client.publish(ctx, lane, publishing)
}

// Close is a no-op; the connection belongs to the RabbitMQ client.
func (p *RabbitMQPublisher) Close() error {
	return nil
}

func newPublishing(msg DispatchMessage, now time.Time) (amqp.Publishing, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Priority:      PriorityValue(msg.Priority),
		Body:          payload,
	}, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

var errDeliveriesClosed = errors.New("delivery channel closed")

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// RabbitMQConsumer drains one lane queue per Consume call. A trigger whose
// handler fails is requeued once; a second failure dead-letters it. The
// message row stays authoritative, so the scanners pick it up again.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{
		client:   client,
		prefetch: max(prefetch, 1),
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, lane string, handler MessageHandler) error {
	switch {
	case c == nil || c.client == nil:
		return fmt.Errorf("consumer is not initialized")
	case lane == "":
		return fmt.Errorf("lane name is required")
	case handler == nil:
		return fmt.Errorf("message handler is required")
	}

	logger := c.logger.With(zap.String("lane", lane))
	wait := reconnectBackoff
	for ctx.Err() == nil {
		err := c.drain(ctx, lane, handler, logger)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		logger.Warn("lane consumer interrupted", zap.Duration("retryIn", wait), zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
	return nil
}

// drain consumes deliveries on a single channel until the channel or ctx
// ends.
func (c *RabbitMQConsumer) drain(ctx context.Context, lane string, handler MessageHandler, logger *zap.Logger) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos on %q: %w", lane, err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, lane, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume lane %q: %w", lane, err)
	}

	for {
		var d amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case d, ok = <-deliveries:
		}
		if !ok {
			return errDeliveriesClosed
		}

		msg, decodeErr := decodeDelivery(d.Body)
		var outcome settlement
		if decodeErr != nil {
			logger.Warn("dead-lettering malformed trigger", zap.Error(decodeErr))
			outcome = settleDeadLetter
		} else {
			handlerErr := handler(ctx, msg)
			outcome = settle(handlerErr, d.Redelivered)
			if handlerErr != nil {
				logger.Warn("dispatch trigger failed",
					zap.String("messageId", msg.MessageID),
					zap.Bool("redelivered", d.Redelivered),
					zap.Error(handlerErr),
				)
			}
		}

		if err := apply(d, outcome); err != nil {
			return err
		}
	}
}

func decodeDelivery(body []byte) (DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DispatchMessage{}, fmt.Errorf("decode trigger: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return DispatchMessage{}, err
	}
	return msg, nil
}

func settle(handlerErr error, redelivered bool) settlement {
	switch {
	case handlerErr == nil:
		return settleAck
	case redelivered:
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

func apply(d amqp.Delivery, outcome settlement) error {
	var err error
	switch outcome {
	case settleAck:
		err = d.Ack(false)
	case settleRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the RabbitMQ client.
func (c *RabbitMQConsumer) Close() error {
	return nil
}

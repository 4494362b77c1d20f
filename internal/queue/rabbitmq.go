package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dlxExchangeName  = "delivery.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
)

// RabbitMQ owns the broker connection shared by the lane publisher and
// consumers. Lane and dead-letter queues are declared once per connection.
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
	declared    bool

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

func NewRabbitMQ(ctx context.Context, url string, logger *zap.Logger) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RabbitMQ{url: url, logger: logger}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ch, err := r.channel(ctx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.pubMu.Lock()
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	r.pubMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = false
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ready reports whether the broker connection is open.
func (r *RabbitMQ) Ready(context.Context) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// channel opens a fresh channel on a live, declared connection.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		r.logger.Warn("rabbitmq channel open failed, reconnecting", zap.Error(err))
		if err := r.reconnectWithBackoff(ctx); err != nil {
			return nil, err
		}
		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}
	return ch, nil
}

// publish sends one message on the shared confirm-mode channel and waits
// for the broker to confirm it.
func (r *RabbitMQ) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.pubCh == nil || r.pubCh.IsClosed() {
		ch, err := r.channel(ctx)
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
		r.pubCh = ch
	}

	confirm, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, true, false, msg)
	if err != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
		return fmt.Errorf("failed to publish to %q: %w", routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish to %q not confirmed: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish to %q nacked by broker", routingKey)
	}
	return nil
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.RLock()
	conn, declared := r.conn, r.declared
	r.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		if err := r.reconnectWithBackoff(ctx); err != nil {
			return nil, err
		}
		r.mu.RLock()
		conn, declared = r.conn, r.declared
		r.mu.RUnlock()
	}
	if declared {
		return conn, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	if err := declareTopology(ch); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.conn == conn {
		r.declared = true
	}
	r.mu.Unlock()
	return conn, nil
}

func (r *RabbitMQ) reconnectWithBackoff(ctx context.Context) error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.Dial(r.url)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = newConn
			r.declared = false
			r.mu.Unlock()

			if oldConn != nil && !oldConn.IsClosed() {
				_ = oldConn.Close()
			}
			r.logger.Info("rabbitmq connected")
			return nil
		}

		r.logger.Warn("rabbitmq dial failed",
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq reconnect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	return min(current*2, maxBackoff)
}

// declareTopology declares one durable priority queue per lane, each
// dead-lettering into its own dlq.<lane> through the direct DLX.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, priority := range domain.Priorities() {
		dlq := DLQName(priority)
		routingKey := laneRoutingKey(priority)

		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, routingKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlq, err)
		}

		lane := LaneName(priority)
		args := amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": routingKey,
			"x-max-priority":            queueMaxPriority,
		}
		if _, err := ch.QueueDeclare(lane, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare lane %q: %w", lane, err)
		}
	}

	return nil
}

func laneRoutingKey(priority domain.Priority) string {
	return strings.ToLower(priority.String())
}

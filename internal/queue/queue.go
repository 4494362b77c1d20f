package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// Publisher publishes dispatch triggers to a lane.
type Publisher interface {
	Publish(ctx context.Context, lane string, msg DispatchMessage) error
	Close() error
}

// MessageHandler handles a consumed dispatch trigger.
type MessageHandler func(ctx context.Context, msg DispatchMessage) error

// Consumer consumes dispatch triggers from a lane.
type Consumer interface {
	Consume(ctx context.Context, lane string, handler MessageHandler) error
	Close() error
}

const (
	lanePrefix = "delivery"

	// queueMaxPriority is the RabbitMQ x-max-priority value for lane queues.
	queueMaxPriority int32 = 4
)

// LaneName returns the work queue of a priority, e.g. delivery.urgent.
func LaneName(priority domain.Priority) string {
	return fmt.Sprintf("%s.%s", lanePrefix, priority)
}

// DLQName returns the dead-letter queue of a priority, e.g. dlq.delivery.low.
func DLQName(priority domain.Priority) string {
	return fmt.Sprintf("dlq.%s", LaneName(priority))
}

// LaneNames returns all lane work queues, most urgent first.
func LaneNames() []string {
	priorities := domain.Priorities()
	lanes := make([]string, 0, len(priorities))
	for _, priority := range priorities {
		lanes = append(lanes, LaneName(priority))
	}
	return lanes
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	priorities := domain.Priorities()
	queues := make([]string, 0, len(priorities))
	for _, priority := range priorities {
		queues = append(queues, DLQName(priority))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityUrgent:
		return 4
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}

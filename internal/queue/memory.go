package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMemoryLaneBuffer     = 1024
	defaultMemoryRedeliverDelay = time.Second
)

var (
	_ Publisher = (*MemoryBroker)(nil)
	_ Consumer  = (*MemoryBroker)(nil)
)

// MemoryBroker keeps lane queues in process. Messages are lost on restart;
// the scanners republish anything still due from the message store.
type MemoryBroker struct {
	mu     sync.Mutex
	lanes  map[string]chan DispatchMessage
	buffer int
	closed bool
	done   chan struct{}

	redeliverDelay time.Duration
	logger         *zap.Logger
}

func NewMemoryBroker(buffer int, logger *zap.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultMemoryLaneBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	lanes := make(map[string]chan DispatchMessage)
	for _, lane := range LaneNames() {
		lanes[lane] = make(chan DispatchMessage, buffer)
	}

	return &MemoryBroker{
		lanes:          lanes,
		buffer:         buffer,
		done:           make(chan struct{}),
		redeliverDelay: defaultMemoryRedeliverDelay,
		logger:         logger,
	}
}

func (b *MemoryBroker) lane(name string) (chan DispatchMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("memory broker is closed")
	}
	ch, ok := b.lanes[name]
	if !ok {
		return nil, fmt.Errorf("unknown lane %q", name)
	}
	return ch, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, lane string, msg DispatchMessage) error {
	if lane == "" {
		return fmt.Errorf("lane name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatch message: %w", err)
	}

	ch, err := b.lane(lane)
	if err != nil {
		return err
	}

	select {
	case ch <- msg:
		return nil
	case <-b.done:
		return fmt.Errorf("memory broker is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers lane messages to handler until ctx is cancelled or the
// broker is closed. A failed message is put back on its lane after a delay.
func (b *MemoryBroker) Consume(ctx context.Context, lane string, handler MessageHandler) error {
	if lane == "" {
		return fmt.Errorf("lane name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	ch, err := b.lane(lane)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				b.logger.Warn("dispatch handler failed, requeueing",
					zap.String("lane", lane),
					zap.String("messageId", msg.MessageID),
					zap.Error(err),
				)
				b.redeliver(ctx, ch, msg)
			}
		}
	}
}

func (b *MemoryBroker) redeliver(ctx context.Context, ch chan DispatchMessage, msg DispatchMessage) {
	go func() {
		timer := time.NewTimer(b.redeliverDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-timer.C:
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
		case <-b.done:
		}
	}()
}

// Len returns the number of messages waiting on lane.
func (b *MemoryBroker) Len(lane string) int {
	ch, err := b.lane(lane)
	if err != nil {
		return 0
	}
	return len(ch)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

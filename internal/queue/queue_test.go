package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

func TestLaneNames(t *testing.T) {
	work := LaneNames()
	want := []string{"delivery.urgent", "delivery.high", "delivery.normal", "delivery.low"}
	if len(work) != len(want) {
		t.Fatalf("LaneNames len = %d, want %d", len(work), len(want))
	}
	for i := range want {
		if work[i] != want[i] {
			t.Fatalf("LaneNames[%d] = %s, want %s", i, work[i], want[i])
		}
	}

	dlq := DLQNames()
	if len(dlq) != 4 {
		t.Fatalf("DLQNames len = %d, want 4", len(dlq))
	}
	if dlq[3] != "dlq.delivery.low" {
		t.Fatalf("DLQNames[3] = %s, want dlq.delivery.low", dlq[3])
	}
}

func TestLaneName(t *testing.T) {
	if got := LaneName(domain.PriorityUrgent); got != "delivery.urgent" {
		t.Fatalf("LaneName = %s, want delivery.urgent", got)
	}
	if got := DLQName(domain.PriorityNormal); got != "dlq.delivery.normal" {
		t.Fatalf("DLQName = %s, want dlq.delivery.normal", got)
	}
}

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name     string
		priority domain.Priority
		want     uint8
	}{
		{name: "urgent", priority: domain.PriorityUrgent, want: 4},
		{name: "high", priority: domain.PriorityHigh, want: 3},
		{name: "normal", priority: domain.PriorityNormal, want: 2},
		{name: "low", priority: domain.PriorityLow, want: 1},
		{name: "invalid", priority: domain.Priority("invalid"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.priority)
			if got != tt.want {
				t.Fatalf("PriorityValue(%q) = %d, want %d", tt.priority, got, tt.want)
			}
		})
	}
}

func TestDispatchMessageValidate(t *testing.T) {
	msg := NewDispatchMessage(domain.Message{
		ID:            "m1",
		CorrelationID: "c1",
		Priority:      domain.PriorityNormal,
	})
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if msg.CorrelationID != "c1" {
		t.Fatalf("CorrelationID = %q, want c1", msg.CorrelationID)
	}

	msg.MessageID = " "
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty message id")
	}

	msg.MessageID = "m1"
	msg.Priority = domain.Priority("invalid")
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}

func TestRoundRobinPlan(t *testing.T) {
	plan := RoundRobinPlan(DefaultLaneWeights())

	want := []domain.Priority{
		domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow,
		domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal,
		domain.PriorityUrgent, domain.PriorityHigh,
		domain.PriorityUrgent,
	}
	if len(plan) != len(want) {
		t.Fatalf("RoundRobinPlan len = %d, want %d", len(plan), len(want))
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("plan[%d] = %s, want %s", i, plan[i], want[i])
		}
	}

	// The low lane gets a slot in the first round.
	if plan[3] != domain.PriorityLow {
		t.Fatalf("low lane first slot = %s", plan[3])
	}
}

func TestSplitBudget(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		weights LaneWeights
		want    map[domain.Priority]int
	}{
		{
			name:    "proportional",
			limit:   100,
			weights: DefaultLaneWeights(),
			want: map[domain.Priority]int{
				domain.PriorityUrgent: 39,
				domain.PriorityHigh:   30,
				domain.PriorityNormal: 20,
				domain.PriorityLow:    11,
			},
		},
		{
			name:    "small limit still serves low lane",
			limit:   4,
			weights: DefaultLaneWeights(),
			want: map[domain.Priority]int{
				domain.PriorityUrgent: 1,
				domain.PriorityHigh:   1,
				domain.PriorityNormal: 1,
				domain.PriorityLow:    1,
			},
		},
		{
			name:    "restricted lanes",
			limit:   10,
			weights: DefaultLaneWeights().Only(domain.PriorityNormal, domain.PriorityLow),
			want: map[domain.Priority]int{
				domain.PriorityNormal: 6,
				domain.PriorityLow:    4,
			},
		},
		{
			name:    "zero limit",
			limit:   0,
			weights: DefaultLaneWeights(),
			want:    map[domain.Priority]int{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SplitBudget(tt.limit, tt.weights)
			total := 0
			for _, n := range got {
				total += n
			}
			if tt.limit > 0 && total != tt.limit {
				t.Fatalf("SplitBudget total = %d, want %d", total, tt.limit)
			}
			for priority, want := range tt.want {
				if got[priority] != want {
					t.Fatalf("SplitBudget[%s] = %d, want %d (got %v)", priority, got[priority], want, got)
				}
			}
		})
	}
}

func TestMemoryBrokerPublishConsume(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(8, nil)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lane := LaneName(domain.PriorityHigh)
	msg := DispatchMessage{MessageID: "m1", Priority: domain.PriorityHigh}
	if err := broker.Publish(ctx, lane, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := broker.Len(lane); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	received := make(chan DispatchMessage, 1)
	go func() {
		_ = broker.Consume(ctx, lane, func(_ context.Context, m DispatchMessage) error {
			received <- m
			return nil
		})
	}()

	select {
	case got := <-received:
		if got.MessageID != "m1" {
			t.Fatalf("received %q, want m1", got.MessageID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBrokerRedeliversOnHandlerError(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(8, nil)
	broker.redeliverDelay = 10 * time.Millisecond
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lane := LaneName(domain.PriorityLow)
	if err := broker.Publish(ctx, lane, DispatchMessage{MessageID: "m1", Priority: domain.PriorityLow}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = broker.Consume(ctx, lane, func(_ context.Context, _ DispatchMessage) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("message was not redelivered")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
}

func TestMemoryBrokerRejectsUnknownLaneAndClosed(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(1, nil)
	msg := DispatchMessage{MessageID: "m1", Priority: domain.PriorityNormal}

	if err := broker.Publish(context.Background(), "sms", msg); err == nil {
		t.Fatal("expected error for unknown lane")
	}

	if err := broker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := broker.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := broker.Publish(context.Background(), LaneName(domain.PriorityNormal), msg); err == nil {
		t.Fatal("expected error after close")
	}
}

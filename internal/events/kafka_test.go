package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/kursadbilgin/delivery-router/internal/domain"
)

func newMockProducerConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestKafkaSinkPublish(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, newMockProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "delivery-events" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "m1" {
			return fmt.Errorf("key = %q, want m1", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var payload Payload
		if err := json.Unmarshal(value, &payload); err != nil {
			return err
		}
		if payload.Type != "bounced" {
			return fmt.Errorf("type = %q, want bounced", payload.Type)
		}
		return nil
	})

	sink, err := NewKafkaSinkWithProducer(producer, "delivery-events")
	if err != nil {
		t.Fatalf("NewKafkaSinkWithProducer() error = %v", err)
	}

	if err := sink.Publish(context.Background(), domain.DeliveryEvent{ID: "e1", MessageID: "m1", Type: domain.EventTypeBounced}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestKafkaSinkPublishFailure(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, newMockProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink, err := NewKafkaSinkWithProducer(producer, "delivery-events")
	if err != nil {
		t.Fatalf("NewKafkaSinkWithProducer() error = %v", err)
	}

	err = sink.Publish(context.Background(), domain.DeliveryEvent{MessageID: "m1", Type: domain.EventTypeSent})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("Publish() error = %v, want ErrOutOfBrokers", err)
	}
	_ = sink.Close()
}

func TestKafkaConfig(t *testing.T) {
	t.Parallel()

	cfg := KafkaConfig()
	if cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatalf("RequiredAcks = %v, want WaitForAll", cfg.Producer.RequiredAcks)
	}
	if !cfg.Producer.Return.Successes {
		t.Fatal("Return.Successes must be true for a sync producer")
	}
	if !cfg.Producer.Idempotent || cfg.Net.MaxOpenRequests != 1 {
		t.Fatal("expected idempotent producer with a single open request")
	}
}

func TestNewKafkaSinkValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaSink(nil, "topic"); err == nil {
		t.Fatal("expected error for empty broker list")
	}
	if _, err := NewKafkaSinkWithProducer(nil, "topic"); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

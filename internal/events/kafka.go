package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// KafkaSink publishes delivery events keyed by message ID, so all events of
// one message land on the same partition in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

var _ Sink = (*KafkaSink)(nil)

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}

	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	sink, err := NewKafkaSinkWithProducer(producer, topic)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return sink, nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// KafkaConfig returns the producer settings used by the sink.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func (s *KafkaSink) Publish(_ context.Context, event domain.DeliveryEvent) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.MessageID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(event.Type.String())},
		},
	}

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send event to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

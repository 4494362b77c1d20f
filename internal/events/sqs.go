package events

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// SQSClient is the subset of the SQS API the sink uses.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSSink struct {
	client   SQSClient
	queueURL string
}

var _ Sink = (*SQSSink)(nil)

// NewSQSSink loads the default AWS configuration chain; region overrides it
// when set.
func NewSQSSink(ctx context.Context, queueURL, region string) (*SQSSink, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL)
}

func NewSQSSinkWithClient(client SQSClient, queueURL string) (*SQSSink, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	return &SQSSink{client: client, queueURL: queueURL}, nil
}

func (s *SQSSink) Publish(ctx context.Context, event domain.DeliveryEvent) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.MessageID),
			},
			"EventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type.String()),
			},
		},
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send event to SQS: %w", err)
	}
	return nil
}

func (s *SQSSink) Close() error {
	return nil
}

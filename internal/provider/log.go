package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogAdapter accepts every message and writes it to the log. It backs local
// development and smoke-test providers.
type LogAdapter struct {
	providerID string
	logger     *zap.Logger
}

func NewLogAdapter(providerID string, logger *zap.Logger) *LogAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAdapter{providerID: providerID, logger: logger}
}

func (a *LogAdapter) Send(ctx context.Context, envelope Envelope) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SendError{Kind: FailureTransient, Message: "log delivery aborted", Cause: err}
	}

	id := uuid.NewString()
	a.logger.Info("message delivered to log",
		zap.String("providerId", a.providerID),
		zap.String("messageId", envelope.MessageID),
		zap.String("providerMessageId", id),
		zap.String("to", envelope.To),
		zap.String("subject", envelope.Subject),
		zap.Int("htmlBytes", len(envelope.HTML)),
		zap.Int("textBytes", len(envelope.Text)),
	)

	return &Result{Accepted: true, ProviderMessageID: id, StatusCode: 200}, nil
}

func (a *LogAdapter) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

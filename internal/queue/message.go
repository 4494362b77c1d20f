package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/delivery-router/internal/domain"
)

// DispatchMessage is the broker payload that triggers processing of one
// queued message. The message row stays the source of truth.
type DispatchMessage struct {
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Priority      domain.Priority `json:"priority"`
}

func NewDispatchMessage(msg domain.Message) DispatchMessage {
	return DispatchMessage{
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		Priority:      msg.Priority,
	}
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

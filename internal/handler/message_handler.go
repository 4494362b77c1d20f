package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/kursadbilgin/delivery-router/internal/registry"
	"github.com/kursadbilgin/delivery-router/internal/repository"
	"github.com/kursadbilgin/delivery-router/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type DeliveryService interface {
	Enqueue(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	GetStatus(ctx context.Context, id string) (*service.MessageStatus, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error)
	ListEvents(ctx context.Context, id string) ([]domain.DeliveryEvent, error)
	Cancel(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time) error
	ProviderStatistics() []registry.ProviderStats
	Suppress(ctx context.Context, address string, reason domain.SuppressionReason, source string) (*domain.Suppression, error)
	Unsuppress(ctx context.Context, address string) error
}

type MessageHandler struct {
	service DeliveryService
}

func NewMessageHandler(service DeliveryService) (*MessageHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &MessageHandler{service: service}, nil
}

func RegisterMessageRoutes(router fiber.Router, service DeliveryService) error {
	h, err := NewMessageHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.EnqueueMessage)
	v1.Get("/messages", h.ListMessages)
	v1.Get("/messages/:id", h.GetMessage)
	v1.Get("/messages/:id/status", h.GetMessageStatus)
	v1.Get("/messages/:id/events", h.ListMessageEvents)
	v1.Post("/messages/:id/cancel", h.CancelMessage)
	v1.Post("/messages/:id/reschedule", h.RescheduleMessage)

	v1.Get("/providers/stats", h.ProviderStats)

	v1.Post("/suppressions", h.CreateSuppression)
	v1.Delete("/suppressions/:address", h.DeleteSuppression)

	return nil
}

type enqueueMessageRequest struct {
	CorrelationID      string         `json:"correlationId"`
	IdempotencyKey     *string        `json:"idempotencyKey"`
	To                 string         `json:"to"`
	ToName             string         `json:"toName"`
	From               string         `json:"from"`
	FromName           string         `json:"fromName"`
	ReplyTo            string         `json:"replyTo"`
	Subject            string         `json:"subject"`
	HTML               string         `json:"html"`
	Text               string         `json:"text"`
	Template           string         `json:"template"`
	Variables          map[string]any `json:"variables"`
	Priority           string         `json:"priority"`
	Category           string         `json:"category"`
	PreferredProviders []string       `json:"preferredProviders"`
	MaxRetries         *int           `json:"maxRetries,omitempty"`
	ScheduledAt        *time.Time     `json:"scheduledAt,omitempty"`
}

type rescheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type suppressionRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
	Source  string `json:"source"`
}

type messageResponse struct {
	ID                string     `json:"id"`
	CorrelationID     string     `json:"correlationId"`
	IdempotencyKey    *string    `json:"idempotencyKey,omitempty"`
	TrackingID        string     `json:"trackingId"`
	To                string     `json:"to"`
	Subject           string     `json:"subject,omitempty"`
	Template          string     `json:"template,omitempty"`
	Priority          string     `json:"priority"`
	Category          string     `json:"category"`
	Status            string     `json:"status"`
	ProviderID        *string    `json:"providerId,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt,omitempty"`
}

type statusResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Priority          string     `json:"priority"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	ProviderID        *string    `json:"providerId,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type eventResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ProviderID *string   `json:"providerId,omitempty"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"durationMs"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type suppressionResponse struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *MessageHandler) EnqueueMessage(c *fiber.Ctx) error {
	var req enqueueMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	msg, err := requestToDomainMessage(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Enqueue(c.Context(), &msg)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(created))
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	msg, err := h.service.Get(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageResponse(msg))
}

func (h *MessageHandler) GetMessageStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	status, err := h.service.GetStatus(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(statusResponse{
		ID:                status.ID,
		Status:            status.Status.String(),
		Priority:          status.Priority.String(),
		RetryCount:        status.RetryCount,
		MaxRetries:        status.MaxRetries,
		ProviderID:        status.ProviderID,
		ProviderMessageID: status.ProviderMessageID,
		LastError:         status.LastError,
		ScheduledAt:       status.ScheduledAt,
		NextRetryAt:       status.NextRetryAt,
		SentAt:            status.SentAt,
		CreatedAt:         status.CreatedAt,
		UpdatedAt:         status.UpdatedAt,
	})
}

func (h *MessageHandler) ListMessageEvents(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	events, err := h.service.ListEvents(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]eventResponse, 0, len(events))
	for _, e := range events {
		data = append(data, eventResponse{
			ID:         e.ID,
			Type:       string(e.Type),
			ProviderID: e.ProviderID,
			Attempt:    e.Attempt,
			DurationMs: e.Duration.Milliseconds(),
			Error:      e.Error,
			CreatedAt:  e.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": id,
		"data":      data,
	})
}

func (h *MessageHandler) CancelMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Cancel(c.Context(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": id,
		"status":    domain.StatusCancelled.String(),
	})
}

func (h *MessageHandler) RescheduleMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	var req rescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ScheduledAt == nil {
		return toHTTPError(fmt.Errorf("%w: scheduledAt is required", domain.ErrValidation))
	}

	if err := h.service.Reschedule(c.Context(), id, *req.ScheduledAt); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId":   id,
		"status":      domain.StatusScheduled.String(),
		"scheduledAt": req.ScheduledAt.UTC(),
	})
}

func (h *MessageHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	messages, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]messageResponse, 0, len(messages))
	for i := range messages {
		data = append(data, toMessageResponse(&messages[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *MessageHandler) ProviderStats(c *fiber.Ctx) error {
	stats := h.service.ProviderStatistics()
	if stats == nil {
		stats = []registry.ProviderStats{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": stats,
	})
}

func (h *MessageHandler) CreateSuppression(c *fiber.Ctx) error {
	var req suppressionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	reason, err := domain.ParseSuppressionReason(req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}

	s, err := h.service.Suppress(c.Context(), req.Address, reason, source)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(suppressionResponse{
		Address:   s.Address,
		Reason:    string(s.Reason),
		Source:    s.Source,
		CreatedAt: s.CreatedAt,
	})
}

func (h *MessageHandler) DeleteSuppression(c *fiber.Ctx) error {
	address := strings.TrimSpace(c.Params("address"))
	if err := h.service.Unsuppress(c.Context(), address); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawPriority := strings.TrimSpace(c.Query("priority")); rawPriority != "" {
		priority, err := domain.ParsePriorityFromString(rawPriority)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Priority = &priority
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainMessage(req enqueueMessageRequest, fallbackCorrelationID string) (domain.Message, error) {
	priority, err := domain.ParsePriorityFromString(req.Priority)
	if err != nil {
		return domain.Message{}, err
	}

	m := domain.Message{
		CorrelationID:      strings.TrimSpace(req.CorrelationID),
		IdempotencyKey:     req.IdempotencyKey,
		Recipient:          req.To,
		RecipientName:      req.ToName,
		FromAddress:        req.From,
		FromName:           req.FromName,
		ReplyTo:            req.ReplyTo,
		Subject:            req.Subject,
		HTMLBody:           req.HTML,
		TextBody:           req.Text,
		TemplateRef:        req.Template,
		TemplateVars:       req.Variables,
		Priority:           priority,
		Category:           domain.ParseCategoryFromString(req.Category),
		PreferredProviders: req.PreferredProviders,
		ScheduledAt:        req.ScheduledAt,
	}

	if m.CorrelationID == "" {
		m.CorrelationID = strings.TrimSpace(fallbackCorrelationID)
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return domain.Message{}, fmt.Errorf("%w: maxRetries must be >= 0", domain.ErrValidation)
		}
		m.MaxRetries = *req.MaxRetries
	}

	return m, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toMessageResponse(m *domain.Message) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	return messageResponse{
		ID:                m.ID,
		CorrelationID:     m.CorrelationID,
		IdempotencyKey:    m.IdempotencyKey,
		TrackingID:        m.TrackingID,
		To:                m.Recipient,
		Subject:           m.Subject,
		Template:          m.TemplateRef,
		Priority:          m.Priority.String(),
		Category:          m.Category.String(),
		Status:            m.Status.String(),
		ProviderID:        m.ProviderID,
		ProviderMessageID: m.ProviderMessageID,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		ScheduledAt:       m.ScheduledAt,
		NextRetryAt:       m.NextRetryAt,
		LastError:         m.LastError,
		SentAt:            m.SentAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoProviderAvailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	headerSignature      = "X-Delivery-Signature"
	headerTimestamp      = "X-Delivery-Timestamp"
	headerIdempotencyKey = "Idempotency-Key"
)

// WebhookConfig configures a JSON-over-HTTP delivery backend.
type WebhookConfig struct {
	Endpoint  string
	HealthURL string // defaults to Endpoint
	AuthToken string
	// SigningSecret, when set, signs "<timestamp>.<body>" with HMAC-SHA256.
	SigningSecret string
	Timeout       time.Duration
}

type webhookPayload struct {
	ID         string `json:"id"`
	TrackingID string `json:"trackingId,omitempty"`
	Category   string `json:"category,omitempty"`
	To         string `json:"to"`
	ToName     string `json:"toName,omitempty"`
	From       string `json:"from,omitempty"`
	FromName   string `json:"fromName,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`
	Subject    string `json:"subject"`
	HTML       string `json:"html,omitempty"`
	Text       string `json:"text,omitempty"`
}

type webhookAck struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// WebhookAdapter posts each envelope to an HTTP delivery API. Retries are
// left to the dispatcher, so the client never retries on its own.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *resty.Client
	now    func() time.Time
}

// NewWebhookAdapter validates cfg. A nil client gets a fresh resty client.
func NewWebhookAdapter(cfg WebhookConfig, client *resty.Client) (*WebhookAdapter, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.HealthURL = strings.TrimSpace(cfg.HealthURL)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = cfg.Endpoint
	}
	for _, raw := range []string{cfg.Endpoint, cfg.HealthURL} {
		if u, err := url.ParseRequestURI(raw); err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid webhook url %q", raw)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}

	if client == nil {
		client = resty.New().SetTimeout(cfg.Timeout)
	}
	client.SetRetryCount(0)
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	return &WebhookAdapter{cfg: cfg, client: client, now: time.Now}, nil
}

func (a *WebhookAdapter) Send(ctx context.Context, envelope Envelope) (*Result, error) {
	body, err := json.Marshal(webhookPayload{
		ID:         envelope.MessageID,
		TrackingID: envelope.TrackingID,
		Category:   envelope.Category.String(),
		To:         envelope.To,
		ToName:     envelope.ToName,
		From:       envelope.From,
		FromName:   envelope.FromName,
		ReplyTo:    envelope.ReplyTo,
		Subject:    envelope.Subject,
		HTML:       envelope.HTML,
		Text:       envelope.Text,
	})
	if err != nil {
		return nil, &SendError{Kind: FailurePermanent, Message: "encode webhook payload", Cause: err}
	}

	req := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(headerIdempotencyKey, envelope.MessageID).
		SetBody(body)
	if a.cfg.SigningSecret != "" {
		ts := strconv.FormatInt(a.now().Unix(), 10)
		req.SetHeader(headerTimestamp, ts)
		req.SetHeader(headerSignature, sign(a.cfg.SigningSecret, ts, body))
	}

	resp, err := req.Post(a.cfg.Endpoint)
	if err != nil {
		return nil, requestError("webhook request failed", err)
	}

	status := resp.StatusCode()
	text := strings.TrimSpace(resp.String())
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		msg := fmt.Sprintf("webhook returned %d", status)
		if text != "" {
			msg += ": " + text
		}
		return nil, httpError(status, msg, resp.Header().Get("Retry-After"))
	}

	return &Result{
		Accepted:          true,
		ProviderMessageID: ackID(resp),
		StatusCode:        status,
		Body:              text,
	}, nil
}

// HealthCheck treats any answer below 500 as healthy; a 405 from an
// endpoint that only accepts POST still proves it is up.
func (a *WebhookAdapter) HealthCheck(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Head(a.cfg.HealthURL)
	if err != nil {
		return requestError("webhook health probe failed", err)
	}
	if status := resp.StatusCode(); status >= http.StatusInternalServerError {
		return &SendError{Kind: FailureTransient, StatusCode: status, Message: "webhook health probe failed"}
	}
	return nil
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ackID takes the provider message id from the JSON body, falling back to
// well-known response headers.
func ackID(resp *resty.Response) string {
	var ack webhookAck
	if err := json.Unmarshal(resp.Body(), &ack); err == nil {
		for _, id := range []string{ack.MessageID, ack.ID} {
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		}
	}
	for _, key := range []string{"X-Message-ID", "X-Request-ID"} {
		if id := strings.TrimSpace(resp.Header().Get(key)); id != "" {
			return id
		}
	}
	return ""
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

const defaultResendTimeout = 15 * time.Second

type statusKey struct{}

// statusRecorder captures the HTTP status of the last response on the
// request context; the SDK reports failures as plain errors.
type statusRecorder struct {
	next http.RoundTripper
}

func (s statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.next.RoundTrip(req)
	if resp != nil {
		if status, ok := req.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

// ResendAdapter delivers messages through the Resend email API.
type ResendAdapter struct {
	client *resend.Client
}

func NewResendAdapter(apiKey, baseURL string) (*ResendAdapter, error) {
	return NewResendAdapterWithHTTPClient(apiKey, baseURL, &http.Client{Timeout: defaultResendTimeout})
}

func NewResendAdapterWithHTTPClient(apiKey, baseURL string, httpClient *http.Client) (*ResendAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	next := httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = statusRecorder{next: next}

	client := resend.NewCustomClient(&wrapped, strings.TrimSpace(apiKey))
	if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
		if !strings.HasSuffix(trimmed, "/") {
			trimmed += "/"
		}
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid resend base url: %w", err)
		}
		client.BaseURL = parsed
	}

	return &ResendAdapter{client: client}, nil
}

func (a *ResendAdapter) Send(ctx context.Context, envelope Envelope) (*Result, error) {
	params := &resend.SendEmailRequest{
		From:    formatAddress(envelope.FromName, envelope.From),
		To:      []string{formatAddress(envelope.ToName, envelope.To)},
		Subject: envelope.Subject,
		Html:    envelope.HTML,
		Text:    envelope.Text,
		ReplyTo: envelope.ReplyTo,
	}
	if envelope.Category != "" {
		params.Tags = []resend.Tag{{Name: "category", Value: envelope.Category.String()}}
	}

	var status int
	sent, err := a.client.Emails.SendWithContext(context.WithValue(ctx, statusKey{}, &status), params)
	if err != nil {
		return nil, resendError(status, err)
	}

	id := ""
	if sent != nil {
		id = sent.Id
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &Result{Accepted: true, ProviderMessageID: id, StatusCode: status}, nil
}

// HealthCheck lists domains, which exercises both reachability and the key.
func (a *ResendAdapter) HealthCheck(ctx context.Context) error {
	var status int
	if _, err := a.client.Domains.ListWithContext(context.WithValue(ctx, statusKey{}, &status)); err != nil {
		return resendError(status, err)
	}
	return nil
}

func resendError(status int, err error) *SendError {
	if status == 0 {
		return requestError("resend request failed", err)
	}

	sendErr := httpError(status, "resend rejected request", "")
	sendErr.Cause = err
	// Resend uses 422 for payload validation, not recipient rejection.
	if sendErr.Kind == FailureBounce {
		sendErr.Kind = FailurePermanent
	}

	var rateErr *resend.RateLimitError
	if errors.As(err, &rateErr) {
		sendErr.Kind = FailureRateLimited
		sendErr.RetryAfter = parseRetryAfter(rateErr.RetryAfter, time.Now())
	}
	return sendErr
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-router/internal/domain"
)

func testEnvelope() Envelope {
	return Envelope{
		MessageID:  "m-1",
		TrackingID: "t-1",
		Category:   domain.CategoryTransactional,
		To:         "guest@example.com",
		ToName:     "Guest",
		From:       "bookings@example.com",
		FromName:   "Bookings",
		Subject:    "Your booking",
		HTML:       "<p>confirmed</p>",
		Text:       "confirmed",
	}
}

func newTestWebhook(t *testing.T, cfg WebhookConfig, handler http.HandlerFunc) *WebhookAdapter {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	if cfg.Endpoint == "" {
		cfg.Endpoint = server.URL
	}
	a, err := NewWebhookAdapter(cfg, nil)
	if err != nil {
		t.Fatalf("NewWebhookAdapter() error = %v", err)
	}
	return a
}

func TestWebhookAdapterSendSignsAndAuthenticates(t *testing.T) {
	t.Parallel()

	var (
		gotBody    webhookPayload
		gotRaw     []byte
		gotHeaders http.Header
	)
	a := newTestWebhook(t, WebhookConfig{AuthToken: "token", SigningSecret: "shh"}, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotRaw, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(gotRaw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"vendor-msg-1"}`))
	})
	a.now = func() time.Time { return time.Unix(1_750_000_000, 0) }

	result, err := a.Send(context.Background(), testEnvelope())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !result.Accepted || result.StatusCode != http.StatusAccepted || result.ProviderMessageID != "vendor-msg-1" {
		t.Fatalf("Send() = %+v", result)
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer token" {
		t.Fatalf("Authorization = %q, want Bearer token", got)
	}
	if got := gotHeaders.Get(headerIdempotencyKey); got != "m-1" {
		t.Fatalf("%s = %q, want m-1", headerIdempotencyKey, got)
	}
	if got := gotHeaders.Get(headerTimestamp); got != "1750000000" {
		t.Fatalf("%s = %q, want 1750000000", headerTimestamp, got)
	}
	if got, want := gotHeaders.Get(headerSignature), sign("shh", "1750000000", gotRaw); got != want {
		t.Fatalf("%s = %q, want %q", headerSignature, got, want)
	}
	if gotBody.To != "guest@example.com" || gotBody.Category != "transactional" || gotBody.TrackingID != "t-1" {
		t.Fatalf("payload = %+v", gotBody)
	}
}

func TestWebhookAdapterUnsignedByDefault(t *testing.T) {
	t.Parallel()

	a := newTestWebhook(t, WebhookConfig{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerSignature) != "" || r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected auth headers: %v", r.Header)
		}
		w.Header().Set("X-Message-ID", "provider-msg-2")
		_, _ = w.Write([]byte("ok"))
	})

	result, err := a.Send(context.Background(), testEnvelope())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.ProviderMessageID != "provider-msg-2" {
		t.Fatalf("ProviderMessageID = %q, want provider-msg-2", result.ProviderMessageID)
	}
}

func TestWebhookAdapterStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   FailureKind
		wantAfter  time.Duration
	}{
		{name: "too many requests", status: http.StatusTooManyRequests, retryAfter: "30", wantKind: FailureRateLimited, wantAfter: 30 * time.Second},
		{name: "bad request", status: http.StatusBadRequest, wantKind: FailurePermanent},
		{name: "rejected recipient", status: http.StatusUnprocessableEntity, wantKind: FailureBounce},
		{name: "request timeout", status: http.StatusRequestTimeout, wantKind: FailureTransient},
		{name: "bad gateway", status: http.StatusBadGateway, wantKind: FailureTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newTestWebhook(t, WebhookConfig{}, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("provider failed"))
			})

			_, err := a.Send(context.Background(), testEnvelope())
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("Send() error = %v (%T), want *SendError", err, err)
			}
			if sendErr.Kind != tt.wantKind || sendErr.StatusCode != tt.status {
				t.Fatalf("SendError = %s/%d, want %s/%d", sendErr.Kind, sendErr.StatusCode, tt.wantKind, tt.status)
			}
			if got, _ := RetryAfter(err); got != tt.wantAfter {
				t.Fatalf("RetryAfter() = %s, want %s", got, tt.wantAfter)
			}
		})
	}
}

func TestWebhookAdapterTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	a, err := NewWebhookAdapter(WebhookConfig{Endpoint: server.URL}, resty.New().SetTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWebhookAdapter() error = %v", err)
	}

	_, err = a.Send(context.Background(), testEnvelope())
	if !IsTransient(err) {
		t.Fatalf("IsTransient(%v) = false, want true", err)
	}
}

func TestWebhookAdapterCancelledIsPermanent(t *testing.T) {
	t.Parallel()

	a := newTestWebhook(t, WebhookConfig{}, func(w http.ResponseWriter, r *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Send(ctx, testEnvelope())
	if err == nil || IsTransient(err) {
		t.Fatalf("Send(cancelled) error = %v, want permanent", err)
	}
}

func TestWebhookAdapterHealthCheck(t *testing.T) {
	t.Parallel()

	healthy := newTestWebhook(t, WebhookConfig{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	if err := healthy.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v, want nil", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	a := newTestWebhook(t, WebhookConfig{HealthURL: broken.URL}, func(w http.ResponseWriter, r *http.Request) {})
	if err := a.HealthCheck(context.Background()); !IsTransient(err) {
		t.Fatalf("HealthCheck() error = %v, want transient", err)
	}
}

func TestNewWebhookAdapterValidatesURLs(t *testing.T) {
	t.Parallel()

	tests := []WebhookConfig{
		{},
		{Endpoint: "not a url"},
		{Endpoint: "/relative"},
		{Endpoint: "https://hooks.example.com/send", HealthURL: "::"},
	}
	for _, cfg := range tests {
		if _, err := NewWebhookAdapter(cfg, nil); err == nil {
			t.Fatalf("NewWebhookAdapter(%+v) error = nil, want error", cfg)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"15", 15 * time.Second},
		{"-3", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

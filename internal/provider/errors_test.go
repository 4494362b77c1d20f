package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: FailurePermanent},
		{name: "unclassified", err: errors.New("connection reset by peer"), want: FailureTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: FailureTransient},
		{name: "cancelled", err: context.Canceled, want: FailurePermanent},
		{name: "wrapped send error", err: fmt.Errorf("send: %w", &SendError{Kind: FailureBounce}), want: FailureBounce},
		{name: "cancelled request", err: requestError("x", context.Canceled), want: FailurePermanent},
		{name: "failed request", err: requestError("x", errors.New("conn reset")), want: FailureTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestHTTPErrorKinds(t *testing.T) {
	t.Parallel()

	tests := map[int]FailureKind{
		http.StatusBadRequest:          FailurePermanent,
		http.StatusUnauthorized:        FailurePermanent,
		http.StatusRequestTimeout:      FailureTransient,
		http.StatusUnprocessableEntity: FailureBounce,
		http.StatusTooManyRequests:     FailureRateLimited,
		http.StatusServiceUnavailable:  FailureTransient,
	}
	for status, want := range tests {
		if got := httpError(status, "", "").Kind; got != want {
			t.Errorf("httpError(%d).Kind = %s, want %s", status, got, want)
		}
	}
}

func TestSendErrorHelpers(t *testing.T) {
	t.Parallel()

	err := &SendError{Kind: FailureRateLimited, StatusCode: 429, Message: "slow down", Cause: errors.New("quota")}
	if got := err.Error(); got != "rate_limited send error (429): slow down: quota" {
		t.Fatalf("Error() = %q", got)
	}
	if !IsTransient(err) || !IsRateLimited(err) || IsBounce(err) {
		t.Fatalf("helpers disagree for %v", err)
	}
	if _, ok := RetryAfter(err); ok {
		t.Fatal("RetryAfter() ok = true without a hint")
	}
	if IsTransient(nil) {
		t.Fatal("IsTransient(nil) = true")
	}
}

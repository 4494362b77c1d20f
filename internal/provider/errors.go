package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailureKind tells the dispatcher what to do with a failed send.
type FailureKind int

const (
	// FailurePermanent fails the message without retry.
	FailurePermanent FailureKind = iota
	// FailureTransient retries on the same or a fallback provider.
	FailureTransient
	// FailureRateLimited pauses the provider and retries later.
	FailureRateLimited
	// FailureBounce means the recipient itself was rejected.
	FailureBounce
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureBounce:
		return "bounce"
	default:
		return "permanent"
	}
}

// SendError is returned by adapters for any failed send or probe.
type SendError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *SendError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" send error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *SendError) Unwrap() error { return e.Cause }

// requestError wraps a failure that happened before any response arrived.
// Cancellation is permanent: the same request cannot succeed on this
// context. Callers that cancel check their own context first.
func requestError(msg string, cause error) *SendError {
	kind := FailureTransient
	if errors.Is(cause, context.Canceled) {
		kind = FailurePermanent
	}
	return &SendError{Kind: kind, Message: msg, Cause: cause}
}

// httpError classifies an HTTP delivery API response: 429 rate limited,
// 408 and 5xx transient, 422 a rejected recipient, anything else permanent.
func httpError(status int, msg, retryAfter string) *SendError {
	kind := FailurePermanent
	switch {
	case status == http.StatusTooManyRequests:
		kind = FailureRateLimited
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError && status < 600:
		kind = FailureTransient
	case status == http.StatusUnprocessableEntity:
		kind = FailureBounce
	}
	return &SendError{
		Kind:       kind,
		StatusCode: status,
		Message:    msg,
		RetryAfter: parseRetryAfter(retryAfter, time.Now()),
	}
}

// Classify returns the FailureKind of err. Errors an adapter did not
// classify, such as a reset connection, are transient.
func Classify(err error) FailureKind {
	var sendErr *SendError
	switch {
	case err == nil:
		return FailurePermanent
	case errors.As(err, &sendErr):
		return sendErr.Kind
	case errors.Is(err, context.Canceled):
		return FailurePermanent
	}
	return FailureTransient
}

// IsTransient reports whether the send may be retried.
func IsTransient(err error) bool {
	kind := Classify(err)
	return err != nil && (kind == FailureTransient || kind == FailureRateLimited)
}

func IsRateLimited(err error) bool { return err != nil && Classify(err) == FailureRateLimited }

func IsBounce(err error) bool { return err != nil && Classify(err) == FailureBounce }

// RetryAfter returns the backoff hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.RetryAfter > 0 {
		return sendErr.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

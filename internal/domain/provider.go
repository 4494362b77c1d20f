package domain

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind names the backend family a provider talks to.
type TransportKind string

const (
	TransportSMTP    TransportKind = "smtp"
	TransportWebhook TransportKind = "webhook"
	TransportResend  TransportKind = "resend"
	TransportLog     TransportKind = "log"
)

func (k TransportKind) String() string { return string(k) }

func (k TransportKind) IsValid() bool {
	switch k {
	case TransportSMTP, TransportWebhook, TransportResend, TransportLog:
		return true
	}
	return false
}

// ProviderStatus is the lifecycle status of a provider.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "active"
	ProviderDegraded    ProviderStatus = "degraded"
	ProviderRateLimited ProviderStatus = "rate_limited"
	ProviderError       ProviderStatus = "error"
	ProviderTesting     ProviderStatus = "testing"
)

func (s ProviderStatus) String() string { return string(s) }

func (s ProviderStatus) IsValid() bool {
	switch s {
	case ProviderActive, ProviderDegraded, ProviderRateLimited, ProviderError, ProviderTesting:
		return true
	}
	return false
}

// Provider is a configured delivery backend together with its live counters.
type Provider struct {
	ID     string
	Name   string
	Kind   TransportKind
	Active bool
	Status ProviderStatus

	Priority       int
	Weight         int
	CostPerMessage float64

	SuccessRate         float64
	SentCount           int64
	FailedCount         int64
	ConsecutiveFailures int
	AvgResponseMs       float64

	DailySent      int64
	DailyLimit     int64
	MonthlySent    int64
	MonthlyLimit   int64
	BurstPerSecond int

	LastUsedAt        *time.Time
	LastHealthCheckAt *time.Time
	LastHealthOK      bool
	LastError         string
	RateLimitedUntil  *time.Time

	FallbackProviderID *string

	FromAddress string
	FromName    string
	ReplyTo     string
	Settings    map[string]string
}

// Setting returns a kind-specific setting, trimmed.
func (p *Provider) Setting(key string) string {
	if p.Settings == nil {
		return ""
	}
	return strings.TrimSpace(p.Settings[key])
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrConfiguration)
	}
	if !p.Kind.IsValid() {
		return fmt.Errorf("%w: provider %q has unknown kind %q", ErrConfiguration, p.ID, p.Kind)
	}
	if p.Status != "" && !p.Status.IsValid() {
		return fmt.Errorf("%w: provider %q has unknown status %q", ErrConfiguration, p.ID, p.Status)
	}
	if p.Weight < 0 {
		return fmt.Errorf("%w: provider %q weight must be >= 0", ErrConfiguration, p.ID)
	}
	if p.CostPerMessage < 0 {
		return fmt.Errorf("%w: provider %q cost must be >= 0", ErrConfiguration, p.ID)
	}
	if p.DailyLimit < 0 || p.MonthlyLimit < 0 || p.BurstPerSecond < 0 {
		return fmt.Errorf("%w: provider %q limits must be >= 0", ErrConfiguration, p.ID)
	}
	if p.FallbackProviderID != nil && *p.FallbackProviderID == p.ID {
		return fmt.Errorf("%w: provider %q cannot fall back to itself", ErrConfiguration, p.ID)
	}
	return nil
}

package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"go.uber.org/zap"
)

// Setting keys understood by NewAdapter, per transport kind.
const (
	SettingEndpoint   = "endpoint"
	SettingHealthURL  = "health_url"
	SettingAuthToken  = "auth_token"
	SettingSecret     = "signing_secret"
	SettingAPIKey     = "api_key"
	SettingBaseURL    = "base_url"
	SettingHost       = "host"
	SettingPort       = "port"
	SettingUsername   = "username"
	SettingPassword   = "password"
	SettingHelloName  = "hello_name"
	SettingDisableTLS = "disable_tls"
)

// NewAdapter builds the adapter for a provider from its kind and settings.
// Misconfiguration wraps domain.ErrConfiguration.
func NewAdapter(p domain.Provider, logger *zap.Logger) (Adapter, error) {
	var (
		adapter Adapter
		err     error
	)
	if logger == nil {
		logger = zap.NewNop()
	}

	switch p.Kind {
	case domain.TransportWebhook:
		adapter, err = NewWebhookAdapter(WebhookConfig{
			Endpoint:      p.Setting(SettingEndpoint),
			HealthURL:     p.Setting(SettingHealthURL),
			AuthToken:     p.Setting(SettingAuthToken),
			SigningSecret: p.Setting(SettingSecret),
		}, nil)
	case domain.TransportResend:
		adapter, err = NewResendAdapter(p.Setting(SettingAPIKey), p.Setting(SettingBaseURL))
	case domain.TransportSMTP:
		var cfg SMTPConfig
		cfg, err = smtpConfig(p)
		if err == nil {
			adapter, err = NewSMTPAdapter(cfg, logger.With(zap.String("providerId", p.ID)))
		}
	case domain.TransportLog:
		adapter = NewLogAdapter(p.ID, logger)
	default:
		err = fmt.Errorf("unknown transport kind %q", p.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q: %v", domain.ErrConfiguration, p.ID, err)
	}

	return adapter, nil
}

func smtpConfig(p domain.Provider) (SMTPConfig, error) {
	cfg := SMTPConfig{
		Host:      p.Setting(SettingHost),
		Username:  p.Setting(SettingUsername),
		Password:  p.Setting(SettingPassword),
		HelloName: p.Setting(SettingHelloName),
	}

	if raw := p.Setting(SettingPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return SMTPConfig{}, fmt.Errorf("invalid smtp port %q", raw)
		}
		cfg.Port = port
	}
	if raw := p.Setting(SettingDisableTLS); raw != "" {
		disable, err := strconv.ParseBool(raw)
		if err != nil {
			return SMTPConfig{}, fmt.Errorf("invalid disable_tls %q", raw)
		}
		cfg.DisableTLS = disable
	}

	return cfg, nil
}

// Set holds one adapter per provider ID.
type Set struct {
	adapters map[string]Adapter
}

// NewSet builds adapters for every provider in the catalog.
func NewSet(providers []domain.Provider, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	adapters := make(map[string]Adapter, len(providers))
	for _, p := range providers {
		adapter, err := NewAdapter(p, logger)
		if err != nil {
			return nil, err
		}
		adapters[strings.TrimSpace(p.ID)] = adapter
	}
	return &Set{adapters: adapters}, nil
}

// NewSetFromAdapters wraps prebuilt adapters.
func NewSetFromAdapters(adapters map[string]Adapter) *Set {
	copied := make(map[string]Adapter, len(adapters))
	for id, adapter := range adapters {
		copied[id] = adapter
	}
	return &Set{adapters: copied}
}

func (s *Set) Get(providerID string) (Adapter, bool) {
	adapter, ok := s.adapters[providerID]
	return adapter, ok
}

// IDs returns the provider IDs in sorted order.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

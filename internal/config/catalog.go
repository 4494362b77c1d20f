package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kursadbilgin/delivery-router/internal/domain"
	"github.com/spf13/viper"
)

type providerCatalog struct {
	Providers []providerEntry `mapstructure:"providers"`
}

type providerEntry struct {
	ID             string            `mapstructure:"id"`
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	Active         *bool             `mapstructure:"active"`
	Status         string            `mapstructure:"status"`
	Priority       int               `mapstructure:"priority"`
	Weight         *int              `mapstructure:"weight"`
	CostPerMessage float64           `mapstructure:"cost_per_message"`
	DailyLimit     int64             `mapstructure:"daily_limit"`
	MonthlyLimit   int64             `mapstructure:"monthly_limit"`
	BurstPerSecond int               `mapstructure:"burst_per_second"`
	Fallback       string            `mapstructure:"fallback"`
	FromAddress    string            `mapstructure:"from_address"`
	FromName       string            `mapstructure:"from_name"`
	ReplyTo        string            `mapstructure:"reply_to"`
	Settings       map[string]string `mapstructure:"settings"`
}

// LoadProviderCatalog reads the provider catalog from a YAML or JSON file.
// Setting values may reference environment variables as ${NAME} so secrets
// stay out of the file.
func LoadProviderCatalog(path string) ([]domain.Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: provider catalog path is required", domain.ErrConfiguration)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read provider catalog: %v", domain.ErrConfiguration, err)
	}

	var catalog providerCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return nil, fmt.Errorf("%w: failed to decode provider catalog: %v", domain.ErrConfiguration, err)
	}

	return catalog.toDomain()
}

func (c providerCatalog) toDomain() ([]domain.Provider, error) {
	if len(c.Providers) == 0 {
		return nil, fmt.Errorf("%w: provider catalog is empty", domain.ErrConfiguration)
	}

	providers := make([]domain.Provider, 0, len(c.Providers))
	seen := make(map[string]struct{}, len(c.Providers))
	for _, entry := range c.Providers {
		p := entry.toDomain()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate provider id %q", domain.ErrConfiguration, p.ID)
		}
		seen[p.ID] = struct{}{}
		providers = append(providers, p)
	}

	for _, p := range providers {
		if p.FallbackProviderID == nil {
			continue
		}
		if _, ok := seen[*p.FallbackProviderID]; !ok {
			return nil, fmt.Errorf("%w: provider %q falls back to unknown provider %q",
				domain.ErrConfiguration, p.ID, *p.FallbackProviderID)
		}
	}

	return providers, nil
}

func (e providerEntry) toDomain() domain.Provider {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	weight := 1
	if e.Weight != nil {
		weight = *e.Weight
	}

	p := domain.Provider{
		ID:             strings.TrimSpace(e.ID),
		Name:           strings.TrimSpace(e.Name),
		Kind:           domain.TransportKind(strings.ToLower(strings.TrimSpace(e.Kind))),
		Active:         active,
		Status:         domain.ProviderStatus(strings.ToLower(strings.TrimSpace(e.Status))),
		Priority:       e.Priority,
		Weight:         weight,
		CostPerMessage: e.CostPerMessage,
		DailyLimit:     e.DailyLimit,
		MonthlyLimit:   e.MonthlyLimit,
		BurstPerSecond: e.BurstPerSecond,
		FromAddress:    strings.TrimSpace(e.FromAddress),
		FromName:       strings.TrimSpace(e.FromName),
		ReplyTo:        strings.TrimSpace(e.ReplyTo),
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if fallback := strings.TrimSpace(e.Fallback); fallback != "" {
		p.FallbackProviderID = &fallback
	}
	if len(e.Settings) > 0 {
		p.Settings = make(map[string]string, len(e.Settings))
		for key, value := range e.Settings {
			p.Settings[strings.ToLower(key)] = os.ExpandEnv(value)
		}
	}

	return p
}

package config

import (
	"fmt"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/spf13/viper"
)

// ProviderCatalog is the seed list of provider_details rows, read from YAML:
//
//	providers:
//	  - identifier: ses
//	    display_name: AWS SES
//	    notification_type: email
//	    priority: 10
//	    active: true
type ProviderCatalog struct {
	Providers []ProviderEntry `mapstructure:"providers"`
}

type ProviderEntry struct {
	Identifier            string `mapstructure:"identifier"`
	DisplayName           string `mapstructure:"display_name"`
	NotificationType      string `mapstructure:"notification_type"`
	Priority              int    `mapstructure:"priority"`
	Active                bool   `mapstructure:"active"`
	SupportsInternational bool   `mapstructure:"supports_international"`
	LoadBalancingWeight   int    `mapstructure:"load_balancing_weight"`
}

func LoadProviderCatalog(path string) (*ProviderCatalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	var catalog ProviderCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode provider catalog: %w", err)
	}
	if _, err := catalog.Details(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Details converts the catalog into domain rows, rejecting duplicates per channel.
func (c *ProviderCatalog) Details() ([]domain.ProviderDetails, error) {
	seen := make(map[string]struct{}, len(c.Providers))
	details := make([]domain.ProviderDetails, 0, len(c.Providers))
	for i, entry := range c.Providers {
		notificationType, err := domain.ParseNotificationTypeFromString(entry.NotificationType)
		if err != nil {
			return nil, fmt.Errorf("provider catalog entry %d: %w", i, err)
		}
		d := domain.ProviderDetails{
			Identifier:            entry.Identifier,
			DisplayName:           entry.DisplayName,
			NotificationType:      notificationType,
			Priority:              entry.Priority,
			Active:                entry.Active,
			SupportsInternational: entry.SupportsInternational,
			LoadBalancingWeight:   entry.LoadBalancingWeight,
		}
		if d.DisplayName == "" {
			d.DisplayName = d.Identifier
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("provider catalog entry %d: %w", i, err)
		}

		key := d.Identifier + "/" + d.NotificationType.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("provider catalog entry %d: duplicate provider %s", i, key)
		}
		seen[key] = struct{}{}
		details = append(details, d)
	}
	return details, nil
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderDetails is the administrative configuration of one provider on one channel.
type ProviderDetails struct {
	ID                    string
	Identifier            string
	DisplayName           string
	NotificationType      NotificationType
	Priority              int
	Active                bool
	SupportsInternational bool
	LoadBalancingWeight   int
	Version               int
	UpdatedAt             time.Time
}

func (d *ProviderDetails) Validate() error {
	if strings.TrimSpace(d.Identifier) == "" {
		return fmt.Errorf("%w: provider identifier is required", ErrValidation)
	}
	if !d.NotificationType.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, d.NotificationType)
	}
	if d.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", ErrValidation)
	}
	if d.LoadBalancingWeight < 0 {
		return fmt.Errorf("%w: load balancing weight must be >= 0", ErrValidation)
	}
	return nil
}

// ProviderDetailsPatch carries the administratively mutable fields.
type ProviderDetailsPatch struct {
	Priority              *int
	Active                *bool
	SupportsInternational *bool
	LoadBalancingWeight   *int
}

func (p ProviderDetailsPatch) IsEmpty() bool {
	return p.Priority == nil && p.Active == nil && p.SupportsInternational == nil && p.LoadBalancingWeight == nil
}

func (p ProviderDetailsPatch) ApplyTo(d *ProviderDetails) {
	if p.Priority != nil {
		d.Priority = *p.Priority
	}
	if p.Active != nil {
		d.Active = *p.Active
	}
	if p.SupportsInternational != nil {
		d.SupportsInternational = *p.SupportsInternational
	}
	if p.LoadBalancingWeight != nil {
		d.LoadBalancingWeight = *p.LoadBalancingWeight
	}
}

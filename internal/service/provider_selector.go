package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
)

const (
	StrategyPriority      = "priority"
	StrategyLoadBalancing = "load_balancing"
)

// ProviderStrategy picks one provider out of the active candidates for a channel.
type ProviderStrategy interface {
	Choose(candidates []domain.ProviderDetails) (*domain.ProviderDetails, error)
}

// ProviderSelector resolves which provider sends a notification.
type ProviderSelector struct {
	details  repository.ProviderDetailsRepository
	strategy ProviderStrategy
}

// NewProviderSelector builds a selector. An empty strategy name disables
// strategy mode so per-template and per-service pins take effect.
func NewProviderSelector(details repository.ProviderDetailsRepository, strategy string) (*ProviderSelector, error) {
	if details == nil {
		return nil, fmt.Errorf("provider details repository is required")
	}

	s := &ProviderSelector{details: details}
	switch strategy {
	case "":
	case StrategyPriority:
		s.strategy = PriorityStrategy{}
	case StrategyLoadBalancing:
		s.strategy = &LoadBalancingStrategy{randIntn: rand.Intn}
	default:
		return nil, fmt.Errorf("unknown provider strategy %q", strategy)
	}
	return s, nil
}

// Select returns the provider for n. A strategy, when enabled, wins. Otherwise
// a provider pinned on the template, then on the service, is used as is and
// never replaced by another one. Without pins the highest priority active
// provider is taken.
func (s *ProviderSelector) Select(
	ctx context.Context,
	n *domain.Notification,
	template *domain.Template,
	service *domain.Service,
) (*domain.ProviderDetails, error) {
	if s.strategy != nil {
		candidates, err := s.activeCandidates(ctx, n)
		if err != nil {
			return nil, err
		}
		return s.strategy.Choose(candidates)
	}

	if pinned := pinnedProviderID(n, template, service); pinned != nil {
		return s.pinned(ctx, n.Type, *pinned)
	}

	candidates, err := s.activeCandidates(ctx, n)
	if err != nil {
		return nil, err
	}
	return PriorityStrategy{}.Choose(candidates)
}

func (s *ProviderSelector) pinned(ctx context.Context, notificationType domain.NotificationType, id string) (*domain.ProviderDetails, error) {
	details, err := s.details.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: provider %s not found", domain.ErrInvalidProvider, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", id, err)
	}
	if !details.Active {
		return nil, fmt.Errorf("%w: provider %s is inactive", domain.ErrInvalidProvider, details.Identifier)
	}
	if details.NotificationType != notificationType {
		return nil, fmt.Errorf("%w: provider %s sends %s, not %s",
			domain.ErrInvalidProvider, details.Identifier, details.NotificationType, notificationType)
	}
	return details, nil
}

func (s *ProviderSelector) activeCandidates(ctx context.Context, n *domain.Notification) ([]domain.ProviderDetails, error) {
	candidates, err := s.details.ListActive(ctx, n.Type, n.International)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no active %s providers", domain.ErrNoProviderAvailable, n.Type)
	}
	sortByPriority(candidates)
	return candidates, nil
}

func pinnedProviderID(n *domain.Notification, template *domain.Template, service *domain.Service) *string {
	if template != nil && template.ProviderID != nil && *template.ProviderID != "" {
		return template.ProviderID
	}
	if id := service.ProviderIDFor(n.Type); id != nil && *id != "" {
		return id
	}
	return nil
}

func sortByPriority(candidates []domain.ProviderDetails) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Identifier < candidates[j].Identifier
	})
}

// PriorityStrategy takes the first candidate in (priority, identifier) order.
type PriorityStrategy struct{}

func (PriorityStrategy) Choose(candidates []domain.ProviderDetails) (*domain.ProviderDetails, error) {
	if len(candidates) == 0 {
		return nil, domain.ErrNoProviderAvailable
	}
	sorted := append([]domain.ProviderDetails(nil), candidates...)
	sortByPriority(sorted)
	return &sorted[0], nil
}

// LoadBalancingStrategy picks a candidate at random, weighted by
// load_balancing_weight. Zero-weight providers are never picked.
type LoadBalancingStrategy struct {
	randIntn func(n int) int
}

func (s *LoadBalancingStrategy) Choose(candidates []domain.ProviderDetails) (*domain.ProviderDetails, error) {
	total := 0
	for _, c := range candidates {
		total += max(c.LoadBalancingWeight, 0)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no provider has a load balancing weight", domain.ErrNoProviderAvailable)
	}

	pick := s.randIntn(total)
	for i := range candidates {
		weight := max(candidates[i].LoadBalancingWeight, 0)
		if pick < weight {
			chosen := candidates[i]
			return &chosen, nil
		}
		pick -= weight
	}
	return nil, domain.ErrNoProviderAvailable
}

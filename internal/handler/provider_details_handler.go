package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// ProviderDetailsStore is the admin view of provider configuration.
type ProviderDetailsStore interface {
	List(ctx context.Context) ([]domain.ProviderDetails, error)
	Update(ctx context.Context, id string, patch domain.ProviderDetailsPatch) (*domain.ProviderDetails, error)
	History(ctx context.Context, id string) ([]domain.ProviderDetails, error)
}

type ProviderDetailsHandler struct {
	store ProviderDetailsStore
}

func NewProviderDetailsHandler(store ProviderDetailsStore) (*ProviderDetailsHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("provider details store is required")
	}
	return &ProviderDetailsHandler{store: store}, nil
}

func RegisterProviderDetailsRoutes(router fiber.Router, store ProviderDetailsStore) error {
	h, err := NewProviderDetailsHandler(store)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/provider-details", h.ListProviderDetails)
	v1.Patch("/provider-details/:id", h.UpdateProviderDetails)
	v1.Get("/provider-details/:id/history", h.ProviderDetailsHistory)

	return nil
}

type updateProviderDetailsRequest struct {
	Priority              *int  `json:"priority" validate:"omitempty,gte=0"`
	Active                *bool `json:"active"`
	SupportsInternational *bool `json:"supportsInternational"`
	LoadBalancingWeight   *int  `json:"loadBalancingWeight" validate:"omitempty,gte=0"`
}

type providerDetailsResponse struct {
	ID                    string    `json:"id"`
	Identifier            string    `json:"identifier"`
	DisplayName           string    `json:"displayName"`
	NotificationType      string    `json:"notificationType"`
	Priority              int       `json:"priority"`
	Active                bool      `json:"active"`
	SupportsInternational bool      `json:"supportsInternational"`
	LoadBalancingWeight   int       `json:"loadBalancingWeight"`
	Version               int       `json:"version"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (h *ProviderDetailsHandler) ListProviderDetails(c *fiber.Ctx) error {
	details, err := h.store.List(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": toProviderDetailsResponses(details)})
}

// UpdateProviderDetails applies an incident change such as deactivating a
// provider or moving its priority. Every change is versioned.
func (h *ProviderDetailsHandler) UpdateProviderDetails(c *fiber.Ctx) error {
	var req updateProviderDetailsRequest
	if err := parseBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	patch := domain.ProviderDetailsPatch{
		Priority:              req.Priority,
		Active:                req.Active,
		SupportsInternational: req.SupportsInternational,
		LoadBalancingWeight:   req.LoadBalancingWeight,
	}
	if patch.IsEmpty() {
		return toHTTPError(fmt.Errorf("%w: at least one field must be set", domain.ErrValidation))
	}

	updated, err := h.store.Update(c.UserContext(), strings.TrimSpace(c.Params("id")), patch)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toProviderDetailsResponse(updated))
}

func (h *ProviderDetailsHandler) ProviderDetailsHistory(c *fiber.Ctx) error {
	history, err := h.store.History(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": toProviderDetailsResponses(history)})
}

func toProviderDetailsResponses(details []domain.ProviderDetails) []providerDetailsResponse {
	responses := make([]providerDetailsResponse, 0, len(details))
	for i := range details {
		responses = append(responses, toProviderDetailsResponse(&details[i]))
	}
	return responses
}

func toProviderDetailsResponse(d *domain.ProviderDetails) providerDetailsResponse {
	return providerDetailsResponse{
		ID:                    d.ID,
		Identifier:            d.Identifier,
		DisplayName:           d.DisplayName,
		NotificationType:      d.NotificationType.String(),
		Priority:              d.Priority,
		Active:                d.Active,
		SupportsInternational: d.SupportsInternational,
		LoadBalancingWeight:   d.LoadBalancingWeight,
		Version:               d.Version,
		UpdatedAt:             d.UpdatedAt,
	}
}

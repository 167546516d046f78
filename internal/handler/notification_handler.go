package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

type createNotificationRequest struct {
	ServiceID           string            `json:"serviceId" validate:"required"`
	TemplateID          string            `json:"templateId" validate:"required"`
	TemplateVersion     int               `json:"templateVersion" validate:"gte=0"`
	NotificationType    string            `json:"notificationType" validate:"required,oneof=sms email push"`
	To                  string            `json:"to" validate:"max=320"`
	Personalisation     map[string]string `json:"personalisation"`
	Reference           *string           `json:"reference" validate:"omitempty,max=255"`
	SmsSenderID         *string           `json:"smsSenderId"`
	ReplyToText         *string           `json:"replyToText"`
	KeyType             string            `json:"keyType" validate:"omitempty,oneof=normal team test"`
	International       bool              `json:"international"`
	RecipientIdentifier *string           `json:"recipientIdentifier"`
}

type notificationResponse struct {
	ID               string     `json:"id"`
	ServiceID        string     `json:"serviceId"`
	TemplateID       string     `json:"templateId"`
	TemplateVersion  int        `json:"templateVersion"`
	NotificationType string     `json:"notificationType"`
	Status           string     `json:"status"`
	StatusReason     *string    `json:"statusReason,omitempty"`
	To               string     `json:"to"`
	Reference        *string    `json:"reference,omitempty"`
	SentBy           *string    `json:"sentBy,omitempty"`
	SentAt           *time.Time `json:"sentAt,omitempty"`
	BillableUnits    int        `json:"billableUnits"`
	SegmentsCount    int        `json:"segmentsCount"`
	CostInMillicents float64    `json:"costInMillicents"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := parseBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	notification, err := requestToDomainNotification(req)
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Create(c.UserContext(), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if serviceID := strings.TrimSpace(c.Query("serviceId")); serviceID != "" {
		params.ServiceID = &serviceID
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawType := strings.TrimSpace(c.Query("notificationType")); rawType != "" {
		notificationType, err := domain.ParseNotificationTypeFromString(rawType)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Type = &notificationType
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainNotification(req createNotificationRequest) (domain.Notification, error) {
	notificationType, err := domain.ParseNotificationTypeFromString(req.NotificationType)
	if err != nil {
		return domain.Notification{}, err
	}

	return domain.Notification{
		ServiceID:           strings.TrimSpace(req.ServiceID),
		TemplateID:          strings.TrimSpace(req.TemplateID),
		TemplateVersion:     req.TemplateVersion,
		Type:                notificationType,
		To:                  strings.TrimSpace(req.To),
		Personalisation:     req.Personalisation,
		ClientReference:     req.Reference,
		SmsSenderID:         req.SmsSenderID,
		ReplyToText:         req.ReplyToText,
		KeyType:             domain.KeyType(req.KeyType),
		International:       req.International,
		RecipientIdentifier: req.RecipientIdentifier,
	}, nil
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:               n.ID,
		ServiceID:        n.ServiceID,
		TemplateID:       n.TemplateID,
		TemplateVersion:  n.TemplateVersion,
		NotificationType: n.Type.String(),
		Status:           n.Status.String(),
		StatusReason:     n.StatusReason,
		To:               n.To,
		Reference:        n.ClientReference,
		SentBy:           n.SentBy,
		SentAt:           n.SentAt,
		BillableUnits:    n.BillableUnits,
		SegmentsCount:    n.SegmentsCount,
		CostInMillicents: n.CostInMillicents,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}
}

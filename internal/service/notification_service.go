package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

// NotificationService creates notifications and hands them to the dispatcher.
type NotificationService struct {
	notifications repository.NotificationRepository
	services      repository.ServiceRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	services repository.ServiceRepository,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if services == nil {
		return nil, fmt.Errorf("service repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		services:      services,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Create persists n in the created state and queues it for delivery. A
// failed publish is logged only; the replay scanner queues it later.
func (s *NotificationService) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := prepareNotificationForCreate(n, s.now().UTC()); err != nil {
		return nil, err
	}

	if _, err := s.services.GetService(ctx, n.ServiceID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: service %s does not exist", domain.ErrValidation, n.ServiceID)
		}
		return nil, fmt.Errorf("failed to load service: %w", err)
	}

	template, err := s.services.GetTemplate(ctx, n.TemplateID, n.TemplateVersion)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: template %s does not exist", domain.ErrValidation, n.TemplateID)
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if template.ServiceID != n.ServiceID {
		return nil, fmt.Errorf("%w: template %s does not belong to service %s", domain.ErrValidation, template.ID, n.ServiceID)
	}
	if template.TemplateType != n.Type {
		return nil, fmt.Errorf("%w: template %s is a %s template", domain.ErrValidation, template.ID, template.TemplateType)
	}
	n.TemplateVersion = template.Version

	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, err
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("notificationId", n.ID))
	if err := s.enqueue(ctx, n); err != nil {
		logger.Error("failed to queue notification for delivery", zap.Error(err))
		return n, nil
	}
	logger.Info("notification created", zap.String("type", n.Type.String()))
	return n, nil
}

func (s *NotificationService) enqueue(ctx context.Context, n *domain.Notification) error {
	queueName, err := queue.DeliverQueue(n.Type)
	if err != nil {
		return err
	}
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskDeliver, correlationID, queue.DeliverPayload{
		NotificationID: n.ID,
		SenderID:       n.SmsSenderID,
	})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, queueName, task)
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func prepareNotificationForCreate(n *domain.Notification, now time.Time) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.ServiceID = strings.TrimSpace(n.ServiceID)
	n.TemplateID = strings.TrimSpace(n.TemplateID)
	n.To = strings.TrimSpace(n.To)
	n.ClientReference = normalizeOptionalString(n.ClientReference)
	n.SmsSenderID = normalizeOptionalString(n.SmsSenderID)
	n.ReplyToText = normalizeOptionalString(n.ReplyToText)
	n.RecipientIdentifier = normalizeOptionalString(n.RecipientIdentifier)
	if n.KeyType == "" {
		n.KeyType = domain.KeyTypeNormal
	}

	n.Status = domain.StatusCreated
	n.StatusReason = nil
	n.Reference = nil
	n.SentBy = nil
	n.SentAt = nil
	n.BillableUnits = 0
	n.SegmentsCount = 0
	n.CostInMillicents = 0
	n.CreatedAt = now
	n.UpdatedAt = now

	return n.Validate()
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	return domain.StringPtr(*v)
}

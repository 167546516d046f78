package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
)

// StatusEventPublisher tells downstream consumers, such as the contact profile
// service, that a notification sent to a known recipient changed status.
type StatusEventPublisher struct {
	publisher queue.Publisher
}

func NewStatusEventPublisher(publisher queue.Publisher) (*StatusEventPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &StatusEventPublisher{publisher: publisher}, nil
}

// Publish is a no-op for notifications without a recipient identifier.
func (p *StatusEventPublisher) Publish(ctx context.Context, n *domain.Notification) error {
	if n.RecipientIdentifier == nil || *n.RecipientIdentifier == "" {
		return nil
	}

	change := queue.StatusChange{
		NotificationID:      n.ID,
		RecipientIdentifier: *n.RecipientIdentifier,
		NotificationType:    n.Type.String(),
		Status:              n.Status,
		SentAt:              n.SentAt,
		UpdatedAt:           n.UpdatedAt.UTC(),
	}
	if n.StatusReason != nil {
		change.StatusReason = *n.StatusReason
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskStatusEvent, correlationID, change)
	if err != nil {
		return fmt.Errorf("failed to build status event: %w", err)
	}
	if err := p.publisher.Publish(ctx, queue.QueueStatusEvents, task); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

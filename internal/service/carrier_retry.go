package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

const reasonUndeliverable = "undeliverable"

// CarrierRetryService resends SMS that a carrier reported as temporarily failed.
type CarrierRetryService struct {
	notifications repository.NotificationRepository
	retries       retryCounter
	policy        *RetryPolicy
	publisher     queue.Publisher
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

func NewCarrierRetryService(
	notifications repository.NotificationRepository,
	retries retryCounter,
	policy *RetryPolicy,
	publisher queue.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*CarrierRetryService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry counter is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if policy == nil {
		policy = NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CarrierRetryService{
		notifications: notifications,
		retries:       retries,
		policy:        policy,
		publisher:     publisher,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Handle either schedules another send of n and returns a nil update, or
// returns the update that finalizes n as undeliverable.
func (s *CarrierRetryService) Handle(ctx context.Context, n *domain.Notification, record *domain.StatusRecord) (*domain.StatusUpdate, error) {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		observability.NotificationFields(n.ID, record.Provider)...,
	)

	count, err := s.retries.Increment(ctx, n.ID, s.policy.Window)
	if err != nil {
		logger.Warn("failed to read carrier retry count, not retrying", zap.Error(err))
		count = 0
	}

	if !s.policy.ShouldRetry(n.Status, count, n.SentAt, s.now()) {
		logger.Info("carrier retry not eligible", zap.Int64("retry", count))
		upd := s.Undeliverable(record)
		return &upd, nil
	}

	var segments *int
	if record.MessageParts > 0 {
		parts := record.MessageParts
		segments = &parts
	}
	if err := s.notifications.ResetForRetry(ctx, n.ID, record.PriceMillicents, segments); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("notification left in-flight state before carrier retry")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reset notification for retry: %w", err)
	}
	n.ResetForRetry(record.PriceMillicents, segments, s.now().UTC())

	delay := s.policy.NextDelay(count)
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskDeliver, correlationID, queue.DeliverPayload{
		NotificationID: n.ID,
		SenderID:       n.SmsSenderID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build deliver task: %w", err)
	}
	if err := s.publisher.PublishDelayed(ctx, queue.QueueDeliverSMS, task, delay); err != nil {
		// The notification is created again, so the replay scanner picks it up.
		logger.Error("failed to schedule carrier retry", zap.Error(err))
		return nil, nil
	}

	s.metrics.IncSMSRetry(record.Provider, observability.OutcomeRetryScheduled)
	logger.Info("carrier retry scheduled", zap.Int64("retry", count), zap.Duration("delay", delay))
	return nil, nil
}

// Undeliverable finalizes a notification as a permanent failure. Only in-flight
// notifications get here and a delivered one is never reset for retry, so the
// cost of the failed attempt is always added.
func (s *CarrierRetryService) Undeliverable(record *domain.StatusRecord) domain.StatusUpdate {
	upd := domain.NewStatusUpdate(record)
	upd.Status = domain.StatusPermanentFailure
	upd.StatusReason = domain.StringPtr(reasonUndeliverable)
	s.metrics.IncSMSRetry(record.Provider, observability.OutcomeRetriesExhausted)
	return upd
}

// Clear drops the retry counter once n reached a final status.
func (s *CarrierRetryService) Clear(ctx context.Context, notificationID string) {
	if err := s.retries.Reset(ctx, notificationID); err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("failed to reset carrier retry counter",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
	}
}

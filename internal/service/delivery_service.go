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
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	notFoundRetryDelay           = 30 * time.Second
	defaultResearchCallbackDelay = 2 * time.Second

	reasonRetriesExceeded  = "retries exceeded"
	reasonMissingRecipient = "missing recipient"
	reasonNoProvider       = "no provider available"
	reasonRenderFailed     = "content could not be rendered"
)

// Recipients that select a research mode outcome.
var (
	researchTemporaryFailureRecipients = map[string]struct{}{
		"07700900003":                {},
		"+447700900003":              {},
		"+15555550003":               {},
		"temp-fail@simulator.notify": {},
	}
	researchPermanentFailureRecipients = map[string]struct{}{
		"07700900002":                {},
		"+447700900002":              {},
		"+15555550002":               {},
		"perm-fail@simulator.notify": {},
	}
)

type retryCounter interface {
	Increment(ctx context.Context, notificationID string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, notificationID string) error
}

type DeliveryDeps struct {
	Notifications repository.NotificationRepository
	Services      repository.ServiceRepository
	Selector      *ProviderSelector
	Registry      *provider.Registry
	Renderer      Renderer
	RateLimiter   ratelimit.RateLimiter
	Retries       retryCounter
	Policy        *RetryPolicy
	Publisher     queue.Publisher
	Metrics       *observability.Metrics
	// ResearchCallbackDelay is how long a simulated callback waits before it is reconciled.
	ResearchCallbackDelay time.Duration
}

// DeliveryService hands created notifications to providers.
type DeliveryService struct {
	notifications repository.NotificationRepository
	services      repository.ServiceRepository
	selector      *ProviderSelector
	registry      *provider.Registry
	renderer      Renderer
	rateLimiter   ratelimit.RateLimiter
	retries       retryCounter
	policy        *RetryPolicy
	publisher     queue.Publisher
	metrics       *observability.Metrics
	logger        *zap.Logger
	researchDelay time.Duration
	now           func() time.Time
	newReference  func() string
}

func NewDeliveryService(deps DeliveryDeps, logger *zap.Logger) (*DeliveryService, error) {
	switch {
	case deps.Notifications == nil:
		return nil, fmt.Errorf("notification repository is required")
	case deps.Services == nil:
		return nil, fmt.Errorf("service repository is required")
	case deps.Selector == nil:
		return nil, fmt.Errorf("provider selector is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("provider registry is required")
	case deps.Retries == nil:
		return nil, fmt.Errorf("retry counter is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Renderer == nil {
		deps.Renderer = PlaceholderRenderer{}
	}
	if deps.Policy == nil {
		deps.Policy = NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	}
	if deps.ResearchCallbackDelay <= 0 {
		deps.ResearchCallbackDelay = defaultResearchCallbackDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		notifications: deps.Notifications,
		services:      deps.Services,
		selector:      deps.Selector,
		registry:      deps.Registry,
		renderer:      deps.Renderer,
		rateLimiter:   deps.RateLimiter,
		retries:       deps.Retries,
		policy:        deps.Policy,
		publisher:     deps.Publisher,
		metrics:       deps.Metrics,
		logger:        logger,
		researchDelay: deps.ResearchCallbackDelay,
		now:           time.Now,
		newReference:  uuid.NewString,
	}, nil
}

// Send delivers one created notification. senderID optionally overrides the
// SMS sender. The returned error is already classified for the task layer.
func (s *DeliveryService) Send(ctx context.Context, notificationID string, senderID *string) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("notificationId", notificationID))

	n, err := s.notifications.GetByID(ctx, notificationID)
	if errors.Is(err, domain.ErrNotFound) {
		// The creating transaction may not be visible yet.
		return queue.Retry(fmt.Errorf("%w: %s", domain.ErrNotificationNotFoundRace, notificationID), notFoundRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if n.Status != domain.StatusCreated {
		logger.Info("notification is not in created state, skipping send", zap.String("status", n.Status.String()))
		return nil
	}
	if strings.TrimSpace(n.To) == "" {
		s.fail(ctx, n, domain.StatusTechnicalFailure, reasonMissingRecipient, logger)
		return queue.Drop(fmt.Errorf("%w: %s", domain.ErrMissingRecipient, n.ID))
	}

	svc, err := s.services.GetService(ctx, n.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to load service %s: %w", n.ServiceID, err)
	}
	template, err := s.services.GetTemplate(ctx, n.TemplateID, n.TemplateVersion)
	if err != nil {
		return fmt.Errorf("failed to load template %s: %w", n.TemplateID, err)
	}

	details, err := s.selector.Select(ctx, n, template, svc)
	if err != nil {
		if errors.Is(err, domain.ErrNoProviderAvailable) || errors.Is(err, domain.ErrInvalidProvider) {
			s.fail(ctx, n, domain.StatusTechnicalFailure, reasonNoProvider, logger)
			return queue.Drop(err)
		}
		return err
	}
	logger = logger.With(zap.String("provider", details.Identifier))

	client, ok := s.registry.Get(n.Type, details.Identifier)
	if !ok {
		s.fail(ctx, n, domain.StatusTechnicalFailure, reasonNoProvider, logger)
		return queue.Drop(fmt.Errorf("%w: %s/%s", domain.ErrProviderNotRegistered, n.Type, details.Identifier))
	}

	rendered, err := s.renderer.Render(template, n)
	if err != nil {
		s.fail(ctx, n, domain.StatusTechnicalFailure, reasonRenderFailed, logger)
		return queue.Drop(err)
	}

	req := provider.SendRequest{
		Reference:       n.ID,
		To:              n.To,
		Subject:         rendered.Subject,
		Body:            rendered.Body,
		HTMLBody:        rendered.HTMLBody,
		International:   n.International,
		TemplateID:      n.TemplateID,
		Personalisation: n.Personalisation,
	}
	switch n.Type {
	case domain.NotificationTypeSMS:
		sender, err := s.resolveSender(ctx, n, svc, senderID)
		if err != nil {
			return err
		}
		req.Sender = sender
	case domain.NotificationTypeEmail:
		if n.ReplyToText != nil {
			req.ReplyTo = *n.ReplyToText
		}
	}
	billable := billableUnits(n.Type, rendered.Body)

	if isResearch(svc, n) {
		return s.sendResearch(ctx, n, details.Identifier, client, billable, logger)
	}

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(ctx, details.Identifier); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	result, sendErr := client.Send(ctx, req)
	if sendErr != nil {
		return s.handleSendError(ctx, n, details.Identifier, billable, sendErr, logger)
	}

	reference := ""
	if result != nil {
		reference = result.Reference
	}
	return s.markSent(ctx, n, details.Identifier, reference, billable, logger)
}

func (s *DeliveryService) handleSendError(
	ctx context.Context,
	n *domain.Notification,
	providerName string,
	billable int,
	sendErr error,
	logger *zap.Logger,
) error {
	if err := s.notifications.UpdateBillableUnits(ctx, n.ID, billable); err != nil {
		logger.Warn("failed to persist billable units", zap.Error(err))
	}

	if !provider.IsTransient(sendErr) {
		reason := provider.FailureReason(sendErr)
		logger.Warn("provider rejected notification", zap.String("reason", reason), zap.Error(sendErr))
		s.fail(ctx, n, domain.StatusPermanentFailure, reason, logger)
		return nil
	}

	count, err := s.retries.Increment(ctx, n.ID, s.policy.Window)
	if err != nil {
		return fmt.Errorf("failed to count send retry: %w", errors.Join(sendErr, err))
	}

	if count > int64(s.policy.MaxRetries) || !s.policy.WithinWindow(n.RetryAnchor(), s.now()) {
		logger.Error("provider send retries exhausted", zap.Int64("retry", count), zap.Error(sendErr))
		s.observeRetry(n, providerName, observability.OutcomeRetriesExhausted)
		s.fail(ctx, n, domain.StatusTechnicalFailure, reasonRetriesExceeded, logger)
		if err := s.retries.Reset(ctx, n.ID); err != nil {
			logger.Warn("failed to reset retry counter", zap.Error(err))
		}
		return nil
	}

	delay := s.policy.NextDelay(count)
	s.observeRetry(n, providerName, observability.OutcomeRetryScheduled)
	logger.Warn("transient provider error, send will be retried",
		zap.Int64("retry", count),
		zap.Duration("delay", delay),
		zap.Error(sendErr),
	)
	return queue.Retry(sendErr, delay)
}

func (s *DeliveryService) markSent(
	ctx context.Context,
	n *domain.Notification,
	providerName string,
	reference string,
	billable int,
	logger *zap.Logger,
) error {
	upd := domain.SentUpdate{
		Status:        n.Type.SentStatus(),
		Reference:     domain.StringPtr(reference),
		SentBy:        providerName,
		SentAt:        s.now().UTC(),
		BillableUnits: billable,
	}
	if err := s.notifications.MarkSent(ctx, n.ID, upd); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Warn("notification left created state during send")
			return nil
		}
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	logger.Info("notification sent",
		zap.String("status", upd.Status.String()),
		zap.String("reference", reference),
		observability.Recipient(n.To),
	)
	return nil
}

// sendResearch skips the provider call, marks the notification sent under a
// fake reference and queues the provider's simulated callback.
func (s *DeliveryService) sendResearch(
	ctx context.Context,
	n *domain.Notification,
	providerName string,
	client provider.Client,
	billable int,
	logger *zap.Logger,
) error {
	reference := s.newReference()
	if err := s.markSent(ctx, n, providerName, reference, billable, logger); err != nil {
		return err
	}

	simulator, ok := provider.AsSimulator(client)
	if !ok {
		logger.Debug("provider has no research simulator, no callback queued")
		return nil
	}
	body, err := simulator.SimulateDeliveryCallback(reference, n.To, researchOutcome(n.To))
	if err != nil {
		logger.Warn("failed to simulate research callback", zap.Error(err))
		return nil
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskDeliveryStatus, correlationID, queue.StatusEvent{
		Provider:       providerName,
		Body:           body,
		ReceivedAt:     s.now().UTC(),
		NotificationID: n.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to build research callback task: %w", err)
	}
	if err := s.publisher.PublishDelayed(ctx, queue.QueueDeliveryStatus, task, s.researchDelay); err != nil {
		logger.Error("failed to queue research callback", zap.Error(err))
	}
	return nil
}

func (s *DeliveryService) resolveSender(
	ctx context.Context,
	n *domain.Notification,
	svc *domain.Service,
	senderID *string,
) (string, error) {
	id := senderID
	if id == nil {
		id = n.SmsSenderID
	}
	if id != nil && *id != "" {
		sender, err := s.services.GetSmsSender(ctx, *id)
		switch {
		case err == nil:
			return sender.SmsSender, nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("failed to load sms sender %s: %w", *id, err)
		}
	}
	if n.ReplyToText != nil && *n.ReplyToText != "" {
		return *n.ReplyToText, nil
	}
	if svc != nil && svc.DefaultSmsSender != nil {
		return *svc.DefaultSmsSender, nil
	}
	return "", nil
}

func (s *DeliveryService) fail(ctx context.Context, n *domain.Notification, status domain.Status, reason string, logger *zap.Logger) {
	if err := s.notifications.UpdateStatus(ctx, n.ID, domain.StatusCreated, status, &reason); err != nil {
		logger.Error("failed to persist notification failure",
			zap.String("status", status.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func (s *DeliveryService) observeRetry(n *domain.Notification, providerName, outcome string) {
	if n.Type == domain.NotificationTypeSMS {
		s.metrics.IncSMSRetry(providerName, outcome)
	}
}

func isResearch(svc *domain.Service, n *domain.Notification) bool {
	return (svc != nil && svc.ResearchMode) || n.KeyType == domain.KeyTypeTest
}

func researchOutcome(to string) domain.Status {
	normalized := strings.ToLower(strings.TrimSpace(to))
	if _, ok := researchTemporaryFailureRecipients[normalized]; ok {
		return domain.StatusTemporaryFailure
	}
	if _, ok := researchPermanentFailureRecipients[normalized]; ok {
		return domain.StatusPermanentFailure
	}
	return domain.StatusDelivered
}

func billableUnits(notificationType domain.NotificationType, body string) int {
	if notificationType == domain.NotificationTypeSMS {
		return domain.SMSFragmentCount(body)
	}
	return 1
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultNotFoundRaceWindow = 5 * time.Minute
	notFoundRaceRetryDelay    = 30 * time.Second
	statusRecordTTL           = 24 * time.Hour
)

type callbackQueuer interface {
	CheckAndQueue(ctx context.Context, n *domain.Notification, payload map[string]any) error
}

type statusChangeNotifier interface {
	Publish(ctx context.Context, n *domain.Notification) error
}

type statusRecordGuard interface {
	FirstSeen(ctx context.Context, notificationID string, body []byte, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, notificationID string, body []byte) error
}

type ReconcilerDeps struct {
	Registry      *provider.Registry
	Notifications repository.NotificationRepository
	CarrierRetry  *CarrierRetryService
	Callbacks     callbackQueuer
	StatusEvents  statusChangeNotifier
	// Records deduplicates priced intermediate callbacks; nil disables it.
	Records statusRecordGuard
	Metrics *observability.Metrics
	// NotFoundRaceWindow bounds how long an unmatched callback is retried.
	NotFoundRaceWindow time.Duration
}

// StatusReconciler applies provider delivery callbacks to notifications.
type StatusReconciler struct {
	registry      *provider.Registry
	notifications repository.NotificationRepository
	carrierRetry  *CarrierRetryService
	callbacks     callbackQueuer
	statusEvents  statusChangeNotifier
	records       statusRecordGuard
	metrics       *observability.Metrics
	logger        *zap.Logger
	raceWindow    time.Duration
	now           func() time.Time
}

func NewStatusReconciler(deps ReconcilerDeps, logger *zap.Logger) (*StatusReconciler, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("provider registry is required")
	case deps.Notifications == nil:
		return nil, fmt.Errorf("notification repository is required")
	case deps.CarrierRetry == nil:
		return nil, fmt.Errorf("carrier retry service is required")
	}
	if deps.NotFoundRaceWindow <= 0 {
		deps.NotFoundRaceWindow = DefaultNotFoundRaceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusReconciler{
		registry:      deps.Registry,
		notifications: deps.Notifications,
		carrierRetry:  deps.CarrierRetry,
		callbacks:     deps.Callbacks,
		statusEvents:  deps.StatusEvents,
		records:       deps.Records,
		metrics:       deps.Metrics,
		logger:        logger,
		raceWindow:    deps.NotFoundRaceWindow,
		now:           time.Now,
	}, nil
}

// Process reconciles one provider callback. It returns nil when the event is
// done with, a queue.Drop error for events that can never apply, and a
// queue.RetryError while the notification may still appear.
func (r *StatusReconciler) Process(ctx context.Context, event queue.StatusEvent) error {
	logger := observability.WithContextLogger(r.logger, ctx).With(zap.String("provider", event.Provider))

	client, ok := r.registry.Lookup(event.Provider)
	if !ok {
		return queue.Drop(fmt.Errorf("%w: %s", domain.ErrProviderNotRegistered, event.Provider))
	}

	record, err := client.TranslateDeliveryStatus(event.Body)
	if err != nil {
		logger.Warn("dropping untranslatable delivery status", zap.Error(err))
		return queue.Drop(err)
	}
	if record.Provider == "" {
		record.Provider = client.Name()
	}
	logger = logger.With(zap.String("reference", record.Reference), zap.String("incomingStatus", record.Status.String()))

	n, err := r.lookup(ctx, record, event)
	if errors.Is(err, domain.ErrNotFound) {
		return r.notFound(record, event, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	logger = logger.With(zap.String("notificationId", n.ID))

	if n.SentBy == nil || !strings.EqualFold(*n.SentBy, client.Name()) {
		sentBy := ""
		if n.SentBy != nil {
			sentBy = *n.SentBy
		}
		logger.Warn("callback provider does not match sender, dropping", zap.String("sentBy", sentBy))
		return queue.Drop(fmt.Errorf("callback from %s for notification sent by %q", client.Name(), sentBy))
	}

	if domain.IsStaleTransition(n.Status, record.Status) {
		logger.Info("duplicate or out-of-order status update, ignoring", zap.String("currentStatus", n.Status.String()))
		return nil
	}

	upd := domain.NewStatusUpdate(record)
	if record.Status == domain.StatusTemporaryFailure && n.Type == domain.NotificationTypeSMS {
		final, err := r.carrierRetry.Handle(ctx, n, record)
		if err != nil {
			return err
		}
		if final == nil {
			return nil
		}
		upd = *final
	}

	if domain.IsRegression(n.Status, upd.Status) {
		upd.Status = n.Status
		upd.StatusReason = n.StatusReason
	}

	if upd.IsNoop(n) {
		logger.Debug("status update changes nothing, skipping")
		return nil
	}

	guarded := r.records != nil && upd.CostDelta != 0 && upd.Status.IsInFlight()
	if guarded {
		fresh, err := r.records.FirstSeen(ctx, n.ID, event.Body, statusRecordTTL)
		switch {
		case err != nil:
			logger.Warn("failed to check status record, applying update", zap.Error(err))
		case !fresh:
			logger.Info("priced status record already applied, ignoring")
			return nil
		}
	}

	applied, err := r.notifications.ApplyStatusUpdate(ctx, n.ID, upd)
	if err != nil {
		if guarded {
			r.forget(ctx, n.ID, event.Body, logger)
		}
		return fmt.Errorf("failed to apply status update: %w", err)
	}
	if !applied {
		logger.Info("notification left in-flight state concurrently, ignoring update")
		return nil
	}

	changed := upd.Status != n.Status
	now := r.now().UTC()
	n.Apply(upd, now)
	r.observe(n, record, now)
	if n.Status.IsFinal() && n.Type == domain.NotificationTypeSMS {
		r.carrierRetry.Clear(ctx, n.ID)
	}

	logger.Info("notification status updated", zap.String("status", n.Status.String()))
	if changed {
		r.afterUpdate(ctx, n, record, logger)
	}
	return nil
}

func (r *StatusReconciler) forget(ctx context.Context, notificationID string, body []byte, logger *zap.Logger) {
	if err := r.records.Forget(ctx, notificationID, body); err != nil {
		logger.Warn("failed to forget status record", zap.Error(err))
	}
}

func (r *StatusReconciler) lookup(ctx context.Context, record *domain.StatusRecord, event queue.StatusEvent) (*domain.Notification, error) {
	if record.Reference == "" {
		if event.NotificationID == "" {
			return nil, domain.ErrNotFound
		}
		return r.notifications.GetByID(ctx, event.NotificationID)
	}
	return r.notifications.GetByReference(ctx, record.Reference)
}

// notFound retries while the callback is young enough that the send may not
// have committed yet, and drops it afterwards.
func (r *StatusReconciler) notFound(record *domain.StatusRecord, event queue.StatusEvent, logger *zap.Logger) error {
	eventTime := record.ProviderUpdatedAt
	if eventTime.IsZero() {
		eventTime = event.ReceivedAt
	}
	age := r.now().Sub(eventTime)

	err := fmt.Errorf("%w: reference %q", domain.ErrNotificationNotFoundRace, record.Reference)
	if !eventTime.IsZero() && age <= r.raceWindow {
		logger.Info("notification not found yet, retrying", zap.Duration("age", age))
		return queue.Retry(err, notFoundRaceRetryDelay)
	}
	logger.Warn("notification not found, dropping callback", zap.Duration("age", age))
	return queue.Drop(err)
}

func (r *StatusReconciler) observe(n *domain.Notification, record *domain.StatusRecord, now time.Time) {
	r.metrics.IncCallbackStatus(record.Provider, n.Status.String())
	if n.SentAt != nil {
		r.metrics.ObserveDeliveryElapsed(record.Provider, n.Status.String(), now.Sub(*n.SentAt))
	}
}

// afterUpdate runs side effects of a status change. Their failures are logged
// because a retried callback would be a no-op and never reach them again.
func (r *StatusReconciler) afterUpdate(ctx context.Context, n *domain.Notification, record *domain.StatusRecord, logger *zap.Logger) {
	if r.callbacks != nil {
		if err := r.callbacks.CheckAndQueue(ctx, n, record.Payload); err != nil {
			logger.Error("failed to queue service callback", zap.Error(err))
		}
	}
	if r.statusEvents != nil {
		if err := r.statusEvents.Publish(ctx, n); err != nil {
			logger.Error("failed to publish status event", zap.Error(err))
		}
	}
}

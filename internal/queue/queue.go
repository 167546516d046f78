package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// Publisher publishes tasks to a work queue, immediately or after a delay.
type Publisher interface {
	Publish(ctx context.Context, queue string, task Task) error
	PublishDelayed(ctx context.Context, queue string, task Task, delay time.Duration) error
	Close() error
}

// TaskHandler handles a consumed task. Its error decides the task's fate:
// nil or ErrDrop acks, *RetryError republishes after the requested delay,
// anything else is retried with backoff until MaxAttempts.
type TaskHandler func(ctx context.Context, task Task) error

// Consumer consumes tasks from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler TaskHandler) error
	Close() error
}

const (
	QueueDeliverSMS       = "deliver.sms"
	QueueDeliverEmail     = "deliver.email"
	QueueDeliverPush      = "deliver.push"
	QueueDeliveryStatus   = "delivery-status"
	QueueServiceCallbacks = "service-callbacks"
	QueueStatusEvents     = "status-events"
)

var workQueues = []string{
	QueueDeliverSMS,
	QueueDeliverEmail,
	QueueDeliverPush,
	QueueDeliveryStatus,
	QueueServiceCallbacks,
	QueueStatusEvents,
}

// Delay tiers. A delayed task waits in the smallest tier that fits its delay;
// the largest tier is also the longest delay a single task can request.
var delayTiers = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	15 * time.Minute,
}

// MaxDelay is the per-task delay ceiling.
var MaxDelay = delayTiers[len(delayTiers)-1]

// DeliverQueue returns the work queue for a notification type, e.g. deliver.sms.
func DeliverQueue(notificationType domain.NotificationType) (string, error) {
	switch notificationType {
	case domain.NotificationTypeSMS:
		return QueueDeliverSMS, nil
	case domain.NotificationTypeEmail:
		return QueueDeliverEmail, nil
	case domain.NotificationTypePush:
		return QueueDeliverPush, nil
	default:
		return "", fmt.Errorf("no deliver queue for notification type %q", notificationType)
	}
}

// WorkQueueNames returns every work queue the topology declares.
func WorkQueueNames() []string {
	queues := make([]string, len(workQueues))
	copy(queues, workQueues)
	return queues
}

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.deliver.sms.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, queue := range workQueues {
		queues = append(queues, DLQName(queue))
	}
	return queues
}

// DelayQueueName returns the holding queue for a work queue and tier, e.g. delay.deliver.sms.30s.
func DelayQueueName(queue string, tier time.Duration) string {
	return fmt.Sprintf("delay.%s.%s", queue, tier)
}

// delayTierFor clamps delay to (0, MaxDelay] and picks the smallest tier that holds it.
func delayTierFor(delay time.Duration) (time.Duration, time.Duration) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	for _, tier := range delayTiers {
		if delay <= tier {
			return tier, delay
		}
	}
	return MaxDelay, delay
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 10
	baseRetryDelay     = 5 * time.Second
)

type delayedPublisher interface {
	PublishDelayed(ctx context.Context, queue string, task Task, delay time.Duration) error
}

type RabbitMQConsumer struct {
	client      *RabbitMQ
	publisher   delayedPublisher
	prefetch    int
	maxAttempts int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch, maxAttempts int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:      client,
		publisher:   NewRabbitMQPublisher(client),
		prefetch:    prefetch,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (c *RabbitMQConsumer) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler TaskHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("task handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}
		c.logger.Warn("consumer loop interrupted", zap.String("queue", queue), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler TaskHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, queue, d, handler); err != nil {
				return err
			}
		}
	}
}

// handleDelivery is the only place handler errors become broker actions.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler TaskHandler) error {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		c.logger.Warn("rejecting task: invalid JSON",
			zap.Error(err),
			zap.String("queue", queue),
		)
		return c.deadLetter(queue, d)
	}

	if err := task.Validate(); err != nil {
		c.logger.Warn("rejecting task: validation failed",
			zap.Error(err),
			zap.String("queue", queue),
			zap.String("taskId", task.ID),
		)
		return c.deadLetter(queue, d)
	}

	taskCtx := ctx
	if task.CorrelationID != "" {
		taskCtx = observability.WithCorrelationID(ctx, task.CorrelationID)
	}
	logger := observability.WithContextLogger(c.logger, taskCtx).With(
		zap.String("queue", queue),
		zap.String("taskId", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempt", task.Attempt),
	)

	c.metrics.IncWorkerInFlight(queue)
	err := handler(taskCtx, task)
	c.metrics.DecWorkerInFlight(queue)

	var retryErr *RetryError
	switch {
	case err == nil:
	case errors.Is(err, ErrDrop):
		logger.Info("task dropped", zap.Error(err))
	case errors.As(err, &retryErr):
		return c.retry(ctx, queue, d, task, retryErr.Delay, err, logger)
	default:
		return c.retry(ctx, queue, d, task, backoffDelay(task.Attempt), err, logger)
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (c *RabbitMQConsumer) retry(ctx context.Context, queue string, d amqp.Delivery, task Task, delay time.Duration, cause error, logger *zap.Logger) error {
	next := task
	next.Attempt++
	if next.Attempt >= c.maxAttempts {
		logger.Error("task attempts exhausted, dead-lettering", zap.Error(cause))
		return c.deadLetter(queue, d)
	}

	if err := c.publisher.PublishDelayed(ctx, queue, next, delay); err != nil {
		logger.Error("failed to schedule task retry, requeueing", zap.Error(err), zap.NamedError("cause", cause))
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("retry publish failed and nack failed: %w", nackErr)
		}
		return nil
	}

	c.metrics.IncTaskRetry(queue)
	logger.Warn("task scheduled for retry", zap.Duration("delay", delay), zap.Error(cause))
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (c *RabbitMQConsumer) deadLetter(queue string, d amqp.Delivery) error {
	c.metrics.IncTaskDeadLettered(queue)
	if err := d.Reject(false); err != nil {
		return fmt.Errorf("failed to reject delivery: %w", err)
	}
	return nil
}

// backoffDelay doubles from baseRetryDelay per attempt, capped at MaxDelay.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}
	return delay
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

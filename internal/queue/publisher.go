package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, task Task) error {
	return p.publish(ctx, queue, queue, task, 0)
}

// PublishDelayed parks the task in the matching delay tier. Delays above
// MaxDelay are clamped.
func (p *RabbitMQPublisher) PublishDelayed(ctx context.Context, queue string, task Task, delay time.Duration) error {
	tier, clamped := delayTierFor(delay)
	return p.publish(ctx, queue, DelayQueueName(queue, tier), task, clamped)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue, routingKey string, task Task, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     task.ID,
		CorrelationId: task.CorrelationID,
		Type:          string(task.Kind),
		Body:          payload,
	}
	if delay > 0 {
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, "", routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish task to queue %q: %w", routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

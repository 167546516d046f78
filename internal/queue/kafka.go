package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type StatusStreamConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Provider string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type taskPublisher interface {
	Publish(ctx context.Context, queue string, task Task) error
}

// KafkaStatusStream bridges a Kafka topic of provider delivery events onto the
// delivery-status queue. Offsets are committed only after the task is published.
type KafkaStatusStream struct {
	reader    messageReader
	publisher taskPublisher
	provider  string
	logger    *zap.Logger
}

func NewKafkaStatusStream(cfg StatusStreamConfig, publisher taskPublisher, logger *zap.Logger) (*KafkaStatusStream, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka topic and group id are required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("status stream provider is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return newKafkaStatusStream(reader, publisher, cfg.Provider, logger), nil
}

func newKafkaStatusStream(reader messageReader, publisher taskPublisher, provider string, logger *zap.Logger) *KafkaStatusStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaStatusStream{
		reader:    reader,
		publisher: publisher,
		provider:  provider,
		logger:    logger.With(zap.String("provider", provider)),
	}
}

// Run blocks until ctx is canceled.
func (s *KafkaStatusStream) Run(ctx context.Context) error {
	backoff := reconnectBackoff
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Warn("failed to fetch status stream message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = reconnectBackoff

		if err := s.forwardUntilPublished(ctx, msg); err != nil {
			return nil
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to commit status stream offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// forwardUntilPublished retries a message in place. Committing a later offset
// would implicitly commit this one, so it cannot be skipped.
func (s *KafkaStatusStream) forwardUntilPublished(ctx context.Context, msg kafka.Message) error {
	backoff := reconnectBackoff
	for {
		err := s.forward(ctx, msg)
		if err == nil {
			return nil
		}
		s.logger.Error("failed to forward status stream message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *KafkaStatusStream) forward(ctx context.Context, msg kafka.Message) error {
	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	task, err := NewTask(TaskDeliveryStatus, string(msg.Key), StatusEvent{
		Provider:   s.provider,
		Body:       msg.Value,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, QueueDeliveryStatus, task)
}

func (s *KafkaStatusStream) Close() error {
	return s.reader.Close()
}

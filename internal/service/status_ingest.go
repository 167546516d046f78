package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"go.uber.org/zap"
)

// FirehoseRecord is one base64 encoded Pinpoint v2 event in a firehose batch.
type FirehoseRecord struct {
	Data string `json:"data"`
}

// StatusIngestService accepts raw provider callbacks and queues them for the
// reconciler, so the HTTP endpoints never touch the database.
type StatusIngestService struct {
	publisher queue.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewStatusIngestService(publisher queue.Publisher, logger *zap.Logger) (*StatusIngestService, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusIngestService{publisher: publisher, logger: logger, now: time.Now}, nil
}

// Enqueue queues one callback body. notificationID is set when the callback
// URL itself identified the notification.
func (s *StatusIngestService) Enqueue(ctx context.Context, providerName string, body []byte, notificationID string) error {
	if strings.TrimSpace(providerName) == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(body) == 0 {
		return fmt.Errorf("callback body is empty")
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskDeliveryStatus, correlationID, queue.StatusEvent{
		Provider:       providerName,
		Body:           body,
		ReceivedAt:     s.now().UTC(),
		NotificationID: notificationID,
	})
	if err != nil {
		return fmt.Errorf("failed to build status event: %w", err)
	}
	if err := s.publisher.Publish(ctx, queue.QueueDeliveryStatus, task); err != nil {
		return fmt.Errorf("failed to queue status event: %w", err)
	}
	return nil
}

// EnqueueFirehose queues every decodable record of a Pinpoint v2 firehose
// batch. Undecodable or unqueueable records are logged and skipped, and the
// number of queued records is returned.
func (s *StatusIngestService) EnqueueFirehose(ctx context.Context, requestID string, records []FirehoseRecord) int {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("requestId", requestID))

	queued := 0
	for i, record := range records {
		body, err := base64.StdEncoding.DecodeString(strings.TrimSpace(record.Data))
		if err != nil || len(body) == 0 {
			logger.Warn("skipping undecodable firehose record", zap.Int("record", i), zap.Error(err))
			continue
		}
		if err := s.Enqueue(ctx, provider.NamePinpointV2, body, ""); err != nil {
			logger.Error("failed to queue firehose record", zap.Int("record", i), zap.Error(err))
			continue
		}
		queued++
	}

	logger.Info("firehose batch received", zap.Int("records", len(records)), zap.Int("queued", queued))
	return queued
}

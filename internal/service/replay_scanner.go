package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReplayScanInterval = time.Minute
	// Must exceed queue.MaxDelay so a pending delayed send is never replayed.
	defaultReplayStaleAfter = 20 * time.Minute
	defaultReplayScanLimit  = 100
)

// ReplayScanner re-queues notifications that sat in created for too long,
// e.g. because their deliver task was never published.
type ReplayScanner struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	interval      time.Duration
	staleAfter    time.Duration
	limit         int
	now           func() time.Time
}

func NewReplayScanner(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*ReplayScanner, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultReplayScanInterval
	}
	if staleAfter <= queue.MaxDelay {
		staleAfter = defaultReplayStaleAfter
	}
	if limit <= 0 {
		limit = defaultReplayScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReplayScanner{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		staleAfter:    staleAfter,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (s *ReplayScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("replay scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("replay scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *ReplayScanner) scanStale(ctx context.Context) error {
	stale, err := s.notifications.ListStaleCreated(ctx, s.now().UTC().Add(-s.staleAfter), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale notifications: %w", err)
	}

	for i := range stale {
		n := stale[i]
		queueName, err := queue.DeliverQueue(n.Type)
		if err != nil {
			s.logger.Error("stale notification has no deliver queue",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
			continue
		}

		// Touch first so a concurrent scanner skips it.
		if err := s.notifications.TouchCreated(ctx, n.ID); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				s.logger.Error("failed to touch stale notification",
					zap.String("notificationId", n.ID),
					zap.Error(err),
				)
			}
			continue
		}

		task, err := queue.NewTask(queue.TaskDeliver, "", queue.DeliverPayload{
			NotificationID: n.ID,
			SenderID:       n.SmsSenderID,
		})
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, queueName, task); err != nil {
			s.logger.Error("failed to replay stale notification",
				zap.String("notificationId", n.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		s.logger.Info("stale notification replayed",
			zap.String("notificationId", n.ID),
			zap.String("queue", queueName),
		)
	}

	return nil
}

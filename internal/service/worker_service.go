package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

type notificationSender interface {
	Send(ctx context.Context, notificationID string, senderID *string) error
}

type statusProcessor interface {
	Process(ctx context.Context, event queue.StatusEvent) error
}

type callbackDeliverer interface {
	Deliver(ctx context.Context, msg queue.CallbackMessage) error
}

// WorkerService consumes the work queues and routes each task to the
// component that owns it.
type WorkerService struct {
	consumer    queue.Consumer
	sender      notificationSender
	reconciler  statusProcessor
	callbacks   callbackDeliverer
	logger      *zap.Logger
	concurrency int
	queues      []string
}

func NewWorkerService(
	consumer queue.Consumer,
	sender notificationSender,
	reconciler statusProcessor,
	callbacks callbackDeliverer,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	switch {
	case consumer == nil:
		return nil, fmt.Errorf("consumer is required")
	case sender == nil:
		return nil, fmt.Errorf("sender is required")
	case reconciler == nil:
		return nil, fmt.Errorf("status reconciler is required")
	case callbacks == nil:
		return nil, fmt.Errorf("callback deliverer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		sender:      sender,
		reconciler:  reconciler,
		callbacks:   callbacks,
		logger:      logger,
		concurrency: concurrency,
		queues:      consumedQueues(),
	}, nil
}

// consumedQueues is every work queue except status-events, which belongs to
// downstream consumers.
func consumedQueues() []string {
	all := queue.WorkQueueNames()
	queues := make([]string, 0, len(all))
	for _, name := range all {
		if name == queue.QueueStatusEvents {
			continue
		}
		queues = append(queues, name)
	}
	return queues
}

// Start consumes the work queues until context cancellation. Workers are
// spread round-robin over the queues, with at least one per queue.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(s.queues) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	workers := max(s.concurrency, len(s.queues))
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		queueName := s.queues[i%len(s.queues)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.HandleTask)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// HandleTask decodes a task and dispatches it by kind.
func (s *WorkerService) HandleTask(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.TaskDeliver:
		var payload queue.DeliverPayload
		if err := task.Decode(&payload); err != nil {
			return queue.Drop(err)
		}
		return s.sender.Send(ctx, payload.NotificationID, payload.SenderID)

	case queue.TaskDeliveryStatus:
		var event queue.StatusEvent
		if err := task.Decode(&event); err != nil {
			return queue.Drop(err)
		}
		return s.reconciler.Process(ctx, event)

	case queue.TaskServiceCallback:
		var msg queue.CallbackMessage
		if err := task.Decode(&msg); err != nil {
			return queue.Drop(err)
		}
		return callbackTaskError(s.callbacks.Deliver(ctx, msg))

	default:
		return queue.Drop(fmt.Errorf("worker does not handle %s tasks", task.Kind))
	}
}

// callbackTaskError converts webhook failures into queue actions: a
// NonRetryableError is final, anything else is retried with backoff.
func callbackTaskError(err error) error {
	if err == nil {
		return nil
	}
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return queue.Drop(err)
	}
	return err
}

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"go.uber.org/zap"
)

type instrumentedClient struct {
	next    Client
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Instrument wraps a client so every send and translation is timed, counted and logged.
func Instrument(client Client, metrics *observability.Metrics, logger *zap.Logger) Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumentedClient{
		next:    client,
		metrics: metrics,
		logger:  logger.With(zap.String("provider", client.Name())),
		now:     time.Now,
	}
}

func (c *instrumentedClient) Unwrap() Client { return c.next }

func (c *instrumentedClient) Name() string { return c.next.Name() }

func (c *instrumentedClient) NotificationType() domain.NotificationType {
	return c.next.NotificationType()
}

func (c *instrumentedClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	start := c.now()
	result, err := c.next.Send(ctx, req)
	elapsed := c.now().Sub(start)

	outcome := observability.OutcomeSuccess
	switch {
	case err != nil && IsTransient(err):
		outcome = observability.OutcomeTransientError
	case err != nil:
		outcome = observability.OutcomePermanentError
	case result == nil || result.Reference == "":
		outcome = observability.OutcomeUnacknowledged
	}
	c.metrics.ObserveProviderRequest(string(c.next.NotificationType()), c.next.Name(), outcome, elapsed)

	logger := observability.WithContextLogger(c.logger, ctx)
	if err != nil {
		logger.Warn("provider send failed",
			zap.String("notificationId", req.Reference),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}
	logger.Debug("provider send completed",
		zap.String("notificationId", req.Reference),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (c *instrumentedClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	record, err := c.next.TranslateDeliveryStatus(raw)
	if err != nil {
		if errors.Is(err, ErrUntranslatableStatus) {
			c.metrics.IncCallbackTranslation(c.next.Name(), observability.OutcomeUntranslatable)
		}
		return nil, err
	}
	c.metrics.IncCallbackTranslation(c.next.Name(), observability.OutcomeTranslated)
	return record, nil
}

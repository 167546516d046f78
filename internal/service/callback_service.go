package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
	"github.com/kursadbilgin/notify-dispatch/internal/secret"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Notify-Signature"

	defaultCallbackTimeout = 5 * time.Second
	redactedValue          = "<redacted>"
)

// Service callback delivery outcomes.
const (
	callbackOutcomeQueued       = "queued"
	callbackOutcomeDelivered    = "delivered"
	callbackOutcomeRetryable    = "retryable_error"
	callbackOutcomeNonRetryable = "non_retryable_error"
)

var statusDescriptions = map[domain.Status]string{
	domain.StatusCreated:          "Sending",
	domain.StatusSending:          "Sending",
	domain.StatusSent:             "Sent",
	domain.StatusDelivered:        "Delivered",
	domain.StatusTemporaryFailure: "Phone not accepting messages right now",
	domain.StatusPermanentFailure: "Phone number does not exist",
	domain.StatusTechnicalFailure: "Technical failure",
}

var emailStatusDescriptions = map[domain.Status]string{
	domain.StatusTemporaryFailure: "Inbox not accepting messages right now",
	domain.StatusPermanentFailure: "Email address does not exist",
}

// Provider payload keys that carry the recipient's address.
var redactedPayloadKeys = map[string]struct{}{
	"destinationphonenumber": {},
	"destination":            {},
	"phonenumber":            {},
	"msisdn":                 {},
	"to":                     {},
	"recipient":              {},
	"recipients":             {},
	"address":                {},
	"emailaddress":           {},
}

// RetryableError is a webhook failure worth trying again: a network error or a 5xx.
type RetryableError struct {
	StatusCode int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service callback failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("service callback failed: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError is a webhook failure that retrying cannot fix, such as a 4xx.
type NonRetryableError struct {
	StatusCode int
	Err        error
}

func (e *NonRetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service callback rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("service callback rejected: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// CallbackEnvelope is the JSON body POSTed to a service's delivery-status webhook.
type CallbackEnvelope struct {
	ID                string         `json:"id"`
	Reference         *string        `json:"reference"`
	To                string         `json:"to"`
	Status            domain.Status  `json:"status"`
	StatusDescription string         `json:"status_description"`
	StatusReason      *string        `json:"status_reason"`
	ProviderResponse  *string        `json:"provider_response"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
	SentAt            *time.Time     `json:"sent_at"`
	NotificationType  string         `json:"notification_type"`
	Provider          *string        `json:"provider"`
	ProviderPayload   map[string]any `json:"provider_payload,omitempty"`
}

// CallbackService notifies owning services about notification status changes.
type CallbackService struct {
	callbacks repository.CallbackRepository
	publisher queue.Publisher
	box       *secret.Box
	client    *resty.Client
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewCallbackService builds the dispatcher. A nil box means bearer tokens are
// stored in plain text.
func NewCallbackService(
	callbacks repository.CallbackRepository,
	publisher queue.Publisher,
	box *secret.Box,
	client *resty.Client,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*CallbackService, error) {
	if callbacks == nil {
		return nil, fmt.Errorf("callback repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if client == nil {
		client = resty.New().SetTimeout(defaultCallbackTimeout)
	}
	client.SetRetryCount(0)
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CallbackService{
		callbacks: callbacks,
		publisher: publisher,
		box:       box,
		client:    client,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// CheckAndQueue enqueues a webhook delivery for n when its service registered
// a delivery-status callback that wants n's current status.
func (s *CallbackService) CheckAndQueue(ctx context.Context, n *domain.Notification, payload map[string]any) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("notificationId", n.ID))

	callback, err := s.callbacks.GetDeliveryStatusCallback(ctx, n.ServiceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load service callback: %w", err)
	}
	if callback.Suspended {
		logger.Debug("service callback suspended, skipping", zap.String("callbackId", callback.ID))
		return nil
	}
	if !callback.Wants(n.Status) {
		return nil
	}

	var providerPayload map[string]any
	if callback.IncludeProviderPayload && len(payload) > 0 {
		providerPayload = RedactPayload(payload)
	}

	envelope, err := json.Marshal(BuildCallbackEnvelope(n, providerPayload))
	if err != nil {
		return fmt.Errorf("failed to encode callback envelope: %w", err)
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	task, err := queue.NewTask(queue.TaskServiceCallback, correlationID, queue.CallbackMessage{
		NotificationID: n.ID,
		CallbackID:     callback.ID,
		Envelope:       envelope,
	})
	if err != nil {
		return fmt.Errorf("failed to build callback task: %w", err)
	}
	if err := s.publisher.Publish(ctx, queue.QueueServiceCallbacks, task); err != nil {
		return fmt.Errorf("failed to queue service callback: %w", err)
	}

	s.metrics.IncServiceCallback(callbackOutcomeQueued)
	logger.Info("service callback queued",
		zap.String("callbackId", callback.ID),
		zap.String("status", n.Status.String()),
	)
	return nil
}

// Deliver POSTs one queued envelope. Failures are returned as RetryableError
// or NonRetryableError.
func (s *CallbackService) Deliver(ctx context.Context, msg queue.CallbackMessage) error {
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("notificationId", msg.NotificationID),
		zap.String("callbackId", msg.CallbackID),
	)

	callback, err := s.callbacks.GetByID(ctx, msg.CallbackID)
	if errors.Is(err, domain.ErrNotFound) {
		return &NonRetryableError{Err: fmt.Errorf("service callback %s: %w", msg.CallbackID, err)}
	}
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("failed to load service callback: %w", err)}
	}
	if callback.Suspended {
		logger.Info("service callback suspended after queueing, skipping")
		return nil
	}

	token, err := s.bearerToken(callback)
	if err != nil {
		s.metrics.IncServiceCallback(callbackOutcomeNonRetryable)
		return &NonRetryableError{Err: err}
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, secret.Sign([]byte(token), msg.Envelope)).
		SetAuthToken(token).
		SetBody([]byte(msg.Envelope)).
		Post(callback.URL)
	if err != nil {
		s.metrics.IncServiceCallback(callbackOutcomeRetryable)
		logger.Warn("service callback request failed", zap.Error(err))
		return &RetryableError{Err: err}
	}

	statusCode := response.StatusCode()
	switch {
	case statusCode >= http.StatusInternalServerError:
		s.metrics.IncServiceCallback(callbackOutcomeRetryable)
		logger.Warn("service callback returned server error", zap.Int("statusCode", statusCode))
		return &RetryableError{StatusCode: statusCode}
	case statusCode >= http.StatusBadRequest:
		s.metrics.IncServiceCallback(callbackOutcomeNonRetryable)
		logger.Warn("service callback rejected", zap.Int("statusCode", statusCode))
		return &NonRetryableError{StatusCode: statusCode}
	}

	s.metrics.IncServiceCallback(callbackOutcomeDelivered)
	logger.Info("service callback delivered", zap.Int("statusCode", statusCode))
	return nil
}

func (s *CallbackService) bearerToken(callback *domain.ServiceCallback) (string, error) {
	if s.box == nil {
		return callback.BearerToken, nil
	}
	token, err := s.box.Decrypt(callback.BearerToken)
	if err != nil {
		return "", fmt.Errorf("service callback %s bearer token: %w", callback.ID, err)
	}
	return token, nil
}

// BuildCallbackEnvelope renders the canonical fields a service receives for n.
func BuildCallbackEnvelope(n *domain.Notification, providerPayload map[string]any) CallbackEnvelope {
	envelope := CallbackEnvelope{
		ID:                n.ID,
		Reference:         n.ClientReference,
		To:                n.To,
		Status:            n.Status,
		StatusDescription: StatusDescription(n.Type, n.Status),
		StatusReason:      n.StatusReason,
		ProviderResponse:  n.ProviderResponse,
		CreatedAt:         n.CreatedAt.UTC(),
		SentAt:            n.SentAt,
		NotificationType:  n.Type.String(),
		Provider:          n.SentBy,
		ProviderPayload:   providerPayload,
	}
	if n.Status.IsFinal() {
		completedAt := n.UpdatedAt.UTC()
		envelope.CompletedAt = &completedAt
	}
	return envelope
}

// StatusDescription is the human readable form of status for a channel.
func StatusDescription(notificationType domain.NotificationType, status domain.Status) string {
	if notificationType == domain.NotificationTypeEmail {
		if description, ok := emailStatusDescriptions[status]; ok {
			return description
		}
	}
	if description, ok := statusDescriptions[status]; ok {
		return description
	}
	return status.String()
}

// RedactPayload returns a deep copy of payload with recipient addresses replaced.
func RedactPayload(payload map[string]any) map[string]any {
	redacted, _ := redactValue(payload).(map[string]any)
	return redacted
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if _, ok := redactedPayloadKeys[strings.ToLower(key)]; ok {
				out[key] = redactedValue
				continue
			}
			out[key] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return value
	}
}

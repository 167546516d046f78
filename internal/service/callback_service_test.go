package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/secret"
	"go.uber.org/zap"
)

type recordedRequest struct {
	authorization string
	signature     string
	body          []byte
}

type webhookRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (w *webhookRecorder) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.requests = append(w.requests, recordedRequest{
			authorization: r.Header.Get("Authorization"),
			signature:     r.Header.Get(SignatureHeader),
			body:          body,
		})
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func deliveredSMS() *domain.Notification {
	n := createdSMS("n1", "+15551234567")
	n.Status = domain.StatusDelivered
	n.ClientReference = ptr("client-ref")
	n.SentBy = ptr("sns")
	sentAt := testNow
	n.SentAt = &sentAt
	n.UpdatedAt = testNow.Add(time.Minute)
	return &n
}

func callbackRepoFor(callback *domain.ServiceCallback) *fakeCallbackRepo {
	return &fakeCallbackRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.ServiceCallback, error) {
			if callback == nil || callback.ID != id {
				return nil, domain.ErrNotFound
			}
			return callback, nil
		},
		getDeliveryCallbackFn: func(ctx context.Context, serviceID string) (*domain.ServiceCallback, error) {
			if callback == nil {
				return nil, domain.ErrNotFound
			}
			return callback, nil
		},
	}
}

func newTestCallbackService(t *testing.T, repo *fakeCallbackRepo, publisher *fakePublisher, box *secret.Box, metrics *observability.Metrics) *CallbackService {
	t.Helper()
	svc, err := NewCallbackService(repo, publisher, box, nil, metrics, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCallbackService() error = %v", err)
	}
	return svc
}

func TestCallbackServiceCheckAndQueue(t *testing.T) {
	t.Parallel()

	callback := &domain.ServiceCallback{ID: "cb-1", ServiceID: "svc-1", URL: "https://example.invalid", BearerToken: "token"}
	publisher := &fakePublisher{}
	svc := newTestCallbackService(t, callbackRepoFor(callback), publisher, nil, nil)

	if err := svc.CheckAndQueue(context.Background(), deliveredSMS(), map[string]any{"destination": "+15551234567"}); err != nil {
		t.Fatalf("CheckAndQueue() error = %v", err)
	}

	tasks := publisher.tasks(queue.QueueServiceCallbacks)
	if len(tasks) != 1 {
		t.Fatalf("queued callbacks = %d, want 1", len(tasks))
	}
	var msg queue.CallbackMessage
	if err := tasks[0].task.Decode(&msg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.NotificationID != "n1" || msg.CallbackID != "cb-1" {
		t.Fatalf("message = %s/%s, want n1/cb-1", msg.NotificationID, msg.CallbackID)
	}

	var envelope CallbackEnvelope
	if err := json.Unmarshal(msg.Envelope, &envelope); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if envelope.Reference == nil || *envelope.Reference != "client-ref" {
		t.Fatalf("reference = %v, want client-ref", envelope.Reference)
	}
	if envelope.CompletedAt == nil || !envelope.CompletedAt.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("completed_at = %v, want %v", envelope.CompletedAt, testNow.Add(time.Minute))
	}
	if envelope.Provider == nil || *envelope.Provider != "sns" {
		t.Fatalf("provider = %v, want sns", envelope.Provider)
	}
	if envelope.ProviderPayload != nil {
		t.Fatalf("provider_payload = %v, want omitted", envelope.ProviderPayload)
	}
}

func TestCallbackServiceCheckAndQueueSkips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		callback *domain.ServiceCallback
	}{
		{name: "no callback registered"},
		{name: "suspended", callback: &domain.ServiceCallback{ID: "cb-1", Suspended: true}},
		{name: "status not wanted", callback: &domain.ServiceCallback{ID: "cb-1", NotificationStatuses: []domain.Status{domain.StatusPermanentFailure}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			publisher := &fakePublisher{}
			svc := newTestCallbackService(t, callbackRepoFor(tt.callback), publisher, nil, nil)
			if err := svc.CheckAndQueue(context.Background(), deliveredSMS(), nil); err != nil {
				t.Fatalf("CheckAndQueue() error = %v", err)
			}
			if len(publisher.published) != 0 {
				t.Fatalf("queued callbacks = %d, want 0", len(publisher.published))
			}
		})
	}
}

func TestCallbackServiceCheckAndQueueRedactsProviderPayload(t *testing.T) {
	t.Parallel()

	callback := &domain.ServiceCallback{ID: "cb-1", IncludeProviderPayload: true}
	publisher := &fakePublisher{}
	svc := newTestCallbackService(t, callbackRepoFor(callback), publisher, nil, nil)

	payload := map[string]any{
		"messageId":              "abc123",
		"destinationPhoneNumber": "+15551234567",
		"mail": map[string]any{
			"destination": []any{"user@example.com"},
			"source":      "noreply@example.com",
		},
	}
	if err := svc.CheckAndQueue(context.Background(), deliveredSMS(), payload); err != nil {
		t.Fatalf("CheckAndQueue() error = %v", err)
	}

	var msg queue.CallbackMessage
	if err := publisher.tasks(queue.QueueServiceCallbacks)[0].task.Decode(&msg); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if strings.Contains(string(msg.Envelope), "user@example.com") {
		t.Fatalf("envelope leaks email address: %s", msg.Envelope)
	}
	var envelope CallbackEnvelope
	if err := json.Unmarshal(msg.Envelope, &envelope); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := envelope.ProviderPayload["destinationPhoneNumber"]; got != redactedValue {
		t.Fatalf("destinationPhoneNumber = %v, want %s", got, redactedValue)
	}
	if got := envelope.ProviderPayload["messageId"]; got != "abc123" {
		t.Fatalf("messageId = %v, want abc123", got)
	}
	if payload["destinationPhoneNumber"] != "+15551234567" {
		t.Fatal("RedactPayload() modified its input")
	}
}

func TestCallbackServiceDeliver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantRetryable bool
		wantFinal     bool
		wantOutcome   string
	}{
		{name: "accepted", status: http.StatusNoContent, wantOutcome: callbackOutcomeDelivered},
		{name: "server error", status: http.StatusBadGateway, wantRetryable: true, wantOutcome: callbackOutcomeRetryable},
		{name: "client error", status: http.StatusGone, wantFinal: true, wantOutcome: callbackOutcomeNonRetryable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recorder := &webhookRecorder{}
			server := recorder.server(t, tt.status)
			callback := &domain.ServiceCallback{ID: "cb-1", URL: server.URL, BearerToken: "plain-token"}
			metrics := observability.NewMetrics()
			svc := newTestCallbackService(t, callbackRepoFor(callback), &fakePublisher{}, nil, metrics)

			envelope := json.RawMessage(`{"id":"n1","status":"delivered"}`)
			err := svc.Deliver(context.Background(), queue.CallbackMessage{NotificationID: "n1", CallbackID: "cb-1", Envelope: envelope})

			var retryable *RetryableError
			var final *NonRetryableError
			switch {
			case tt.wantRetryable:
				if !errors.As(err, &retryable) || retryable.StatusCode != tt.status {
					t.Fatalf("Deliver() error = %v, want RetryableError(%d)", err, tt.status)
				}
			case tt.wantFinal:
				if !errors.As(err, &final) || final.StatusCode != tt.status {
					t.Fatalf("Deliver() error = %v, want NonRetryableError(%d)", err, tt.status)
				}
			default:
				if err != nil {
					t.Fatalf("Deliver() error = %v", err)
				}
			}

			if len(recorder.requests) != 1 {
				t.Fatalf("requests = %d, want 1", len(recorder.requests))
			}
			got := recorder.requests[0]
			if got.authorization != "Bearer plain-token" {
				t.Fatalf("Authorization = %q, want Bearer plain-token", got.authorization)
			}
			if string(got.body) != string(envelope) {
				t.Fatalf("body = %s, want %s", got.body, envelope)
			}
			if !secret.Verify([]byte("plain-token"), got.body, got.signature) {
				t.Fatalf("signature %q does not verify", got.signature)
			}

			scrape := httptest.NewRecorder()
			metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			want := `notify_service_callbacks_total{outcome="` + tt.wantOutcome + `"} 1`
			if !strings.Contains(scrape.Body.String(), want) {
				t.Fatalf("metrics missing %q", want)
			}
		})
	}
}

func TestCallbackServiceDeliverNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	callback := &domain.ServiceCallback{ID: "cb-1", URL: url, BearerToken: "token"}
	svc := newTestCallbackService(t, callbackRepoFor(callback), &fakePublisher{}, nil, nil)

	err := svc.Deliver(context.Background(), queue.CallbackMessage{CallbackID: "cb-1", Envelope: json.RawMessage(`{}`)})
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("Deliver() error = %v, want RetryableError", err)
	}
}

func TestCallbackServiceDeliverDecryptsBearerToken(t *testing.T) {
	t.Parallel()

	box, err := secret.NewBox(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	encrypted, err := box.Encrypt("sealed-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	recorder := &webhookRecorder{}
	server := recorder.server(t, http.StatusOK)
	callback := &domain.ServiceCallback{ID: "cb-1", URL: server.URL, BearerToken: encrypted}
	svc := newTestCallbackService(t, callbackRepoFor(callback), &fakePublisher{}, box, nil)

	if err := svc.Deliver(context.Background(), queue.CallbackMessage{CallbackID: "cb-1", Envelope: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := recorder.requests[0].authorization; got != "Bearer sealed-token" {
		t.Fatalf("Authorization = %q, want Bearer sealed-token", got)
	}

	callback.BearerToken = "not-encrypted"
	err = svc.Deliver(context.Background(), queue.CallbackMessage{CallbackID: "cb-1", Envelope: json.RawMessage(`{}`)})
	var final *NonRetryableError
	if !errors.As(err, &final) {
		t.Fatalf("Deliver() error = %v, want NonRetryableError", err)
	}
}

func TestCallbackServiceDeliverWithoutCallback(t *testing.T) {
	t.Parallel()

	loadErr := errors.New("connection refused")
	tests := []struct {
		name          string
		repo          *fakeCallbackRepo
		wantRetryable bool
		wantFinal     bool
	}{
		{name: "deleted callback", repo: callbackRepoFor(nil), wantFinal: true},
		{name: "load failure", repo: &fakeCallbackRepo{getByIDFn: func(ctx context.Context, id string) (*domain.ServiceCallback, error) {
			return nil, loadErr
		}}, wantRetryable: true},
		{name: "suspended after queueing", repo: callbackRepoFor(&domain.ServiceCallback{ID: "cb-1", Suspended: true})},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newTestCallbackService(t, tt.repo, &fakePublisher{}, nil, nil)
			err := svc.Deliver(context.Background(), queue.CallbackMessage{CallbackID: "cb-1", Envelope: json.RawMessage(`{}`)})

			var retryable *RetryableError
			var final *NonRetryableError
			switch {
			case tt.wantRetryable:
				if !errors.As(err, &retryable) || !errors.Is(err, loadErr) {
					t.Fatalf("Deliver() error = %v, want RetryableError wrapping %v", err, loadErr)
				}
			case tt.wantFinal:
				if !errors.As(err, &final) || !errors.Is(err, domain.ErrNotFound) {
					t.Fatalf("Deliver() error = %v, want NonRetryableError wrapping ErrNotFound", err)
				}
			default:
				if err != nil {
					t.Fatalf("Deliver() error = %v, want nil", err)
				}
			}
		})
	}
}

func TestStatusDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		notificationType domain.NotificationType
		status           domain.Status
		want             string
	}{
		{domain.NotificationTypeSMS, domain.StatusDelivered, "Delivered"},
		{domain.NotificationTypeSMS, domain.StatusPermanentFailure, "Phone number does not exist"},
		{domain.NotificationTypeEmail, domain.StatusPermanentFailure, "Email address does not exist"},
		{domain.NotificationTypeEmail, domain.StatusDelivered, "Delivered"},
		{domain.NotificationTypePush, domain.StatusTechnicalFailure, "Technical failure"},
	}

	for _, tt := range tests {
		if got := StatusDescription(tt.notificationType, tt.status); got != tt.want {
			t.Fatalf("StatusDescription(%s, %s) = %q, want %q", tt.notificationType, tt.status, got, tt.want)
		}
	}
}

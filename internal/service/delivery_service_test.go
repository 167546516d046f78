package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"go.uber.org/zap"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

type deliveryHarness struct {
	service   *DeliveryService
	repo      *memNotificationRepo
	publisher *fakePublisher
	counter   *fakeRetryCounter
	services  *fakeServiceRepo
	limited   []string
}

func newDeliveryHarness(t *testing.T, client provider.Client, notifications ...domain.Notification) *deliveryHarness {
	t.Helper()

	h := &deliveryHarness{
		repo:      newMemNotificationRepo(notifications...),
		publisher: &fakePublisher{},
		counter:   newFakeRetryCounter(),
		services:  &fakeServiceRepo{},
	}
	details := &fakeProviderDetailsRepo{details: []domain.ProviderDetails{
		{ID: "pd-sms", Identifier: client.Name(), NotificationType: client.NotificationType(), Priority: 10, Active: true, SupportsInternational: true},
	}}
	selector, err := NewProviderSelector(details, "")
	if err != nil {
		t.Fatalf("NewProviderSelector() error = %v", err)
	}
	registry, err := provider.NewRegistry(client)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	policy := NewRetryPolicy(DefaultMaxRetries, DefaultRetryWindow)
	policy.randIntn = func(n int) int { return 0 }

	svc, err := NewDeliveryService(DeliveryDeps{
		Notifications: h.repo,
		Services:      h.services,
		Selector:      selector,
		Registry:      registry,
		RateLimiter: &fakeRateLimiter{waitFn: func(ctx context.Context, name string) error {
			h.limited = append(h.limited, name)
			return nil
		}},
		Retries:   h.counter,
		Policy:    policy,
		Publisher: h.publisher,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}
	svc.now = func() time.Time { return testNow }
	svc.newReference = func() string { return "research-ref" }
	h.service = svc
	return h
}

func createdSMS(id, to string) domain.Notification {
	return domain.Notification{
		ID:              id,
		ServiceID:       "svc-1",
		TemplateID:      "tpl-1",
		TemplateVersion: 1,
		Type:            domain.NotificationTypeSMS,
		Status:          domain.StatusCreated,
		To:              to,
		KeyType:         domain.KeyTypeNormal,
		Personalisation: map[string]string{"code": "1234"},
		CreatedAt:       testNow.Add(-time.Minute),
		UpdatedAt:       testNow.Add(-time.Minute),
	}
}

func TestDeliveryServiceSendSMSSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS}
	h := newDeliveryHarness(t, client, createdSMS("n1", "+15551234567"))

	if err := h.service.Send(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := h.repo.get("n1")
	if got.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.Reference == nil || *got.Reference != "ref-n1" {
		t.Fatalf("reference = %v, want ref-n1", got.Reference)
	}
	if got.SentBy == nil || *got.SentBy != "fake-sms" {
		t.Fatalf("sent_by = %v, want fake-sms", got.SentBy)
	}
	if got.SentAt == nil || !got.SentAt.Equal(testNow) {
		t.Fatalf("sent_at = %v, want %v", got.SentAt, testNow)
	}
	if got.BillableUnits != 1 {
		t.Fatalf("billable_units = %d, want 1", got.BillableUnits)
	}
	if len(client.sent) != 1 || client.sent[0].Body != "Your code is 1234" {
		t.Fatalf("sent requests = %+v, want one rendered body", client.sent)
	}
	if len(h.limited) != 1 || h.limited[0] != "fake-sms" {
		t.Fatalf("rate limited providers = %v, want [fake-sms]", h.limited)
	}
}

func TestDeliveryServiceSendEmailMarksSending(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "fake-email", channel: domain.NotificationTypeEmail}
	n := createdSMS("n1", "someone@example.com")
	n.Type = domain.NotificationTypeEmail
	n.ReplyToText = ptr("replies@example.com")
	h := newDeliveryHarness(t, client, n)
	h.services.getTemplateFn = func(ctx context.Context, id string, version int) (*domain.Template, error) {
		return &domain.Template{ID: id, Version: 1, TemplateType: domain.NotificationTypeEmail, Subject: "Hi", Content: "Code ((code))"}, nil
	}

	if err := h.service.Send(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := h.repo.get("n1").Status; got != domain.StatusSending {
		t.Fatalf("status = %s, want sending", got)
	}
	req := client.sent[0]
	if req.ReplyTo != "replies@example.com" {
		t.Fatalf("reply to = %q, want replies@example.com", req.ReplyTo)
	}
	if req.HTMLBody == "" {
		t.Fatal("html body should be rendered for email")
	}
}

func TestDeliveryServiceSendNotFoundIsRetried(t *testing.T) {
	t.Parallel()

	h := newDeliveryHarness(t, &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS})

	err := h.service.Send(context.Background(), "missing", nil)

	var retryErr *queue.RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Send() error = %v, want RetryError", err)
	}
	if !errors.Is(err, domain.ErrNotificationNotFoundRace) {
		t.Fatalf("Send() error = %v, want ErrNotificationNotFoundRace", err)
	}
}

func TestDeliveryServiceSendSkipsNotificationsNotCreated(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS}
	n := createdSMS("n1", "+15551234567")
	n.Status = domain.StatusSent
	h := newDeliveryHarness(t, client, n)

	if err := h.service.Send(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("provider calls = %d, want 0", len(client.sent))
	}
}

func TestDeliveryServiceSendMissingRecipientIsDropped(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS}
	h := newDeliveryHarness(t, client, createdSMS("n1", "  "))

	err := h.service.Send(context.Background(), "n1", nil)
	if !errors.Is(err, queue.ErrDrop) || !errors.Is(err, domain.ErrMissingRecipient) {
		t.Fatalf("Send() error = %v, want dropped ErrMissingRecipient", err)
	}

	got := h.repo.get("n1")
	if got.Status != domain.StatusTechnicalFailure {
		t.Fatalf("status = %s, want technical-failure", got.Status)
	}
	if len(client.sent) != 0 {
		t.Fatal("provider should not be called without a recipient")
	}
}

func TestDeliveryServiceSendInvalidPinnedProviderIsDropped(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS}
	h := newDeliveryHarness(t, client, createdSMS("n1", "+15551234567"))
	h.services.getServiceFn = func(ctx context.Context, id string) (*domain.Service, error) {
		return &domain.Service{ID: id, SmsProviderID: ptr("pd-unknown")}, nil
	}

	err := h.service.Send(context.Background(), "n1", nil)
	if !errors.Is(err, queue.ErrDrop) || !errors.Is(err, domain.ErrInvalidProvider) {
		t.Fatalf("Send() error = %v, want dropped ErrInvalidProvider", err)
	}
	if got := h.repo.get("n1").Status; got != domain.StatusTechnicalFailure {
		t.Fatalf("status = %s, want technical-failure", got)
	}
	if len(client.sent) != 0 {
		t.Fatal("must not fall back to another provider when a pin is invalid")
	}
}

func TestDeliveryServiceSendTransientErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		name:    "fake-sms",
		channel: domain.NotificationTypeSMS,
		sendFn: func(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{Provider: "fake-sms", StatusCode: 503, Transient: true}
		},
	}
	h := newDeliveryHarness(t, client, createdSMS("n1", "+15551234567"))

	err := h.service.Send(context.Background(), "n1", nil)

	var retryErr *queue.RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Send() error = %v, want RetryError", err)
	}
	if retryErr.Delay < 54*time.Second || retryErr.Delay > 66*time.Second {
		t.Fatalf("retry delay = %s, want within [54s, 66s]", retryErr.Delay)
	}
	got := h.repo.get("n1")
	if got.Status != domain.StatusCreated {
		t.Fatalf("status = %s, want created", got.Status)
	}
	if got.BillableUnits != 1 {
		t.Fatalf("billable_units = %d, want 1 persisted on error", got.BillableUnits)
	}
}

func TestDeliveryServiceSendTransientErrorExhaustsRetries(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		name:    "fake-sms",
		channel: domain.NotificationTypeSMS,
		sendFn: func(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{Provider: "fake-sms", Transient: true}
		},
	}
	h := newDeliveryHarness(t, client, createdSMS("n1", "+15551234567"))

	for i := 1; i <= DefaultMaxRetries; i++ {
		var retryErr *queue.RetryError
		if err := h.service.Send(context.Background(), "n1", nil); !errors.As(err, &retryErr) {
			t.Fatalf("attempt %d: Send() error = %v, want RetryError", i, err)
		}
	}

	if err := h.service.Send(context.Background(), "n1", nil); err != nil {
		t.Fatalf("final Send() error = %v, want nil", err)
	}
	got := h.repo.get("n1")
	if got.Status != domain.StatusTechnicalFailure {
		t.Fatalf("status = %s, want technical-failure", got.Status)
	}
	if got.StatusReason == nil || *got.StatusReason != reasonRetriesExceeded {
		t.Fatalf("status_reason = %v, want %q", got.StatusReason, reasonRetriesExceeded)
	}
	if len(h.counter.resets) != 1 {
		t.Fatalf("counter resets = %d, want 1", len(h.counter.resets))
	}
}

func TestDeliveryServiceSendPermanentErrorFinalizes(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		name:    "fake-sms",
		channel: domain.NotificationTypeSMS,
		sendFn: func(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
			return nil, &provider.ProviderError{Provider: "fake-sms", StatusCode: 400, Reason: "opted out"}
		},
	}
	h := newDeliveryHarness(t, client, createdSMS("n1", "+15551234567"))

	if err := h.service.Send(context.Background(), "n1", nil); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	got := h.repo.get("n1")
	if got.Status != domain.StatusPermanentFailure {
		t.Fatalf("status = %s, want permanent-failure", got.Status)
	}
	if got.StatusReason == nil || *got.StatusReason != "opted out" {
		t.Fatalf("status_reason = %v, want opted out", got.StatusReason)
	}
	if len(h.counter.counts) != 0 {
		t.Fatal("permanent errors must not touch the retry counter")
	}
}

type fakeSimulatorClient struct {
	fakeClient
	outcomes []domain.Status
}

func (f *fakeSimulatorClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	f.outcomes = append(f.outcomes, outcome)
	return json.Marshal(map[string]string{"reference": reference, "status": outcome.String()})
}

func TestDeliveryServiceSendResearchMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		to   string
		want domain.Status
	}{
		{name: "delivered", to: "+15551234567", want: domain.StatusDelivered},
		{name: "temporary failure", to: "+15555550003", want: domain.StatusTemporaryFailure},
		{name: "permanent failure", to: "07700900002", want: domain.StatusPermanentFailure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeSimulatorClient{fakeClient: fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS}}
			n := createdSMS("n1", tt.to)
			n.KeyType = domain.KeyTypeTest
			h := newDeliveryHarness(t, client, n)

			if err := h.service.Send(context.Background(), "n1", nil); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			if len(client.sent) != 0 {
				t.Fatal("research mode must not call the provider")
			}
			got := h.repo.get("n1")
			if got.Status != domain.StatusSent || got.Reference == nil || *got.Reference != "research-ref" {
				t.Fatalf("notification = %s/%v, want sent/research-ref", got.Status, got.Reference)
			}
			if len(client.outcomes) != 1 || client.outcomes[0] != tt.want {
				t.Fatalf("simulated outcomes = %v, want [%s]", client.outcomes, tt.want)
			}

			tasks := h.publisher.tasks(queue.QueueDeliveryStatus)
			if len(tasks) != 1 {
				t.Fatalf("delivery status tasks = %d, want 1", len(tasks))
			}
			if tasks[0].delay != defaultResearchCallbackDelay {
				t.Fatalf("callback delay = %s, want %s", tasks[0].delay, defaultResearchCallbackDelay)
			}
			var event queue.StatusEvent
			if err := tasks[0].task.Decode(&event); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if event.Provider != "fake-sms" || event.NotificationID != "n1" {
				t.Fatalf("event = %+v, want provider fake-sms for n1", event)
			}
		})
	}
}

func TestDeliveryServiceResolveSender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		senderID *string
		n        domain.Notification
		svc      domain.Service
		want     string
	}{
		{
			name:     "explicit sender id",
			senderID: ptr("sender-1"),
			svc:      domain.Service{DefaultSmsSender: ptr("DEFAULT")},
			want:     "GOVUK",
		},
		{
			name: "notification sender id",
			n:    domain.Notification{SmsSenderID: ptr("sender-1")},
			want: "GOVUK",
		},
		{
			name: "reply to text",
			n:    domain.Notification{ReplyToText: ptr("REPLYTO")},
			svc:  domain.Service{DefaultSmsSender: ptr("DEFAULT")},
			want: "REPLYTO",
		},
		{
			name: "service default",
			n:    domain.Notification{SmsSenderID: ptr("unknown")},
			svc:  domain.Service{DefaultSmsSender: ptr("DEFAULT")},
			want: "DEFAULT",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newDeliveryHarness(t, &fakeClient{name: "fake-sms", channel: domain.NotificationTypeSMS})
			h.services.getSmsSenderFn = func(ctx context.Context, id string) (*domain.ServiceSmsSender, error) {
				if id == "sender-1" {
					return &domain.ServiceSmsSender{ID: id, SmsSender: "GOVUK"}, nil
				}
				return nil, domain.ErrNotFound
			}

			got, err := h.service.resolveSender(context.Background(), &tt.n, &tt.svc, tt.senderID)
			if err != nil {
				t.Fatalf("resolveSender() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("resolveSender() = %q, want %q", got, tt.want)
			}
		})
	}
}

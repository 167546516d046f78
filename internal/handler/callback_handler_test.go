package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/service"
	"github.com/kursadbilgin/notify-dispatch/internal/transport"
	"go.uber.org/zap"
)

type enqueuedCallback struct {
	provider       string
	body           string
	notificationID string
}

type stubStatusIngester struct {
	enqueueErr error
	enqueued   []enqueuedCallback
	firehose   []service.FirehoseRecord
	requestID  string
}

func (s *stubStatusIngester) Enqueue(_ context.Context, providerName string, body []byte, notificationID string) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.enqueued = append(s.enqueued, enqueuedCallback{
		provider:       providerName,
		body:           string(body),
		notificationID: notificationID,
	})
	return nil
}

func (s *stubStatusIngester) EnqueueFirehose(_ context.Context, requestID string, records []service.FirehoseRecord) int {
	s.requestID = requestID
	s.firehose = append(s.firehose, records...)
	return len(records)
}

func newCallbackTestApp(t *testing.T, ingester StatusIngester, accessKey string) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterCallbackRoutes(app, ingester, accessKey); err != nil {
		t.Fatalf("RegisterCallbackRoutes() error = %v", err)
	}
	return app
}

func TestCallbackHandler_ProviderCallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		provider string
	}{
		{path: "/v1/callbacks/ses", provider: provider.NameSES},
		{path: "/v1/callbacks/sns", provider: provider.NameSNS},
		{path: "/v1/callbacks/pinpoint", provider: provider.NamePinpoint},
		{path: "/v1/callbacks/mmg", provider: provider.NameMMG},
		{path: "/v1/callbacks/firetext", provider: provider.NameFiretext},
		{path: "/v1/callbacks/govdelivery", provider: provider.NameGovDelivery},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.provider, func(t *testing.T) {
			t.Parallel()

			ingester := &stubStatusIngester{}
			app := newCallbackTestApp(t, ingester, "")

			resp, body := performRequest(t, app, http.MethodPost, tt.path, `{"reference":"ref-1"}`)
			if resp.StatusCode != fiber.StatusAccepted {
				t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
			}
			if len(ingester.enqueued) != 1 {
				t.Fatalf("enqueued = %d, want 1", len(ingester.enqueued))
			}
			got := ingester.enqueued[0]
			if got.provider != tt.provider {
				t.Fatalf("provider = %q, want %q", got.provider, tt.provider)
			}
			if got.body != `{"reference":"ref-1"}` {
				t.Fatalf("body = %q, want raw callback body", got.body)
			}
		})
	}
}

func TestCallbackHandler_EmptyBodyRejected(t *testing.T) {
	t.Parallel()

	ingester := &stubStatusIngester{}
	app := newCallbackTestApp(t, ingester, "")

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/callbacks/mmg", "  ")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(ingester.enqueued) != 0 {
		t.Fatalf("enqueued = %d, want 0", len(ingester.enqueued))
	}
}

func TestCallbackHandler_EnqueueFailureIsServerError(t *testing.T) {
	t.Parallel()

	app := newCallbackTestApp(t, &stubStatusIngester{enqueueErr: errors.New("broker unavailable")}, "")

	resp, body := performRequest(t, app, http.MethodPost, "/v1/callbacks/firetext", "reference=ref-1&status=0")
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if bytes.Contains(body, []byte("broker unavailable")) {
		t.Fatalf("body = %s, want internal error hidden", string(body))
	}
}

func TestCallbackHandler_TwilioEncodesFormBody(t *testing.T) {
	t.Parallel()

	ingester := &stubStatusIngester{}
	app := newCallbackTestApp(t, ingester, "")

	form := "MessageSid=SM123&MessageStatus=delivered"
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/twilio/n-1", bytes.NewBufferString(form))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(ingester.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(ingester.enqueued))
	}

	got := ingester.enqueued[0]
	if got.provider != provider.NameTwilio {
		t.Fatalf("provider = %q, want %q", got.provider, provider.NameTwilio)
	}
	if got.notificationID != "n-1" {
		t.Fatalf("notificationID = %q, want n-1", got.notificationID)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.body)
	if err != nil {
		t.Fatalf("body is not base64: %v", err)
	}
	if string(decoded) != form {
		t.Fatalf("decoded body = %q, want %q", string(decoded), form)
	}
}

func TestCallbackHandler_TwilioWithoutNotificationID(t *testing.T) {
	t.Parallel()

	ingester := &stubStatusIngester{}
	app := newCallbackTestApp(t, ingester, "")

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/callbacks/twilio", "MessageSid=SM123&MessageStatus=sent")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(ingester.enqueued) != 1 || ingester.enqueued[0].notificationID != "" {
		t.Fatalf("enqueued = %+v, want one callback without notification id", ingester.enqueued)
	}
}

func TestCallbackHandler_FirehoseBatch(t *testing.T) {
	t.Parallel()

	ingester := &stubStatusIngester{}
	h, err := NewCallbackHandler(ingester, "")
	if err != nil {
		t.Fatalf("NewCallbackHandler() error = %v", err)
	}
	h.now = func() time.Time { return time.UnixMilli(1767225600000) }

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	app.Post("/firehose", h.FirehoseBatch)

	body := `{"requestId":"req-1","timestamp":1767225500000,"records":[{"data":"e30="},{"data":"bm90LWpzb24="}]}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/firehose", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}

	var got firehoseResponse
	if err := json.Unmarshal(respBody, &got); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if got.RequestID != "req-1" {
		t.Fatalf("requestId = %q, want req-1", got.RequestID)
	}
	if got.Timestamp != 1767225600000 {
		t.Fatalf("timestamp = %d, want 1767225600000", got.Timestamp)
	}
	if ingester.requestID != "req-1" || len(ingester.firehose) != 2 {
		t.Fatalf("firehose = %q/%d, want req-1/2", ingester.requestID, len(ingester.firehose))
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/firehose", `{"records":[]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without requestId", resp.StatusCode)
	}
}

func TestCallbackHandler_FirehoseAccessKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "missing key", key: "", wantStatus: fiber.StatusUnauthorized},
		{name: "wrong key", key: "guess", wantStatus: fiber.StatusUnauthorized},
		{name: "matching key", key: "s3cret", wantStatus: fiber.StatusOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := newCallbackTestApp(t, &stubStatusIngester{}, "s3cret")

			req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/pinpoint-v2/firehose",
				bytes.NewBufferString(`{"requestId":"req-1","records":[]}`))
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			if tt.key != "" {
				req.Header.Set(firehoseAccessKeyHeader, tt.key)
			}

			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			_ = resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

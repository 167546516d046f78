package handler

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/service"
)

const firehoseAccessKeyHeader = "X-Amz-Firehose-Access-Key"

// StatusIngester queues raw provider callbacks for the status reconciler.
type StatusIngester interface {
	Enqueue(ctx context.Context, providerName string, body []byte, notificationID string) error
	EnqueueFirehose(ctx context.Context, requestID string, records []service.FirehoseRecord) int
}

type CallbackHandler struct {
	ingester          StatusIngester
	firehoseAccessKey string
	now               func() time.Time
}

// NewCallbackHandler builds the provider callback endpoints. An empty
// firehoseAccessKey leaves the firehose endpoint unauthenticated.
func NewCallbackHandler(ingester StatusIngester, firehoseAccessKey string) (*CallbackHandler, error) {
	if ingester == nil {
		return nil, fmt.Errorf("status ingester is required")
	}
	return &CallbackHandler{
		ingester:          ingester,
		firehoseAccessKey: strings.TrimSpace(firehoseAccessKey),
		now:               time.Now,
	}, nil
}

func RegisterCallbackRoutes(router fiber.Router, ingester StatusIngester, firehoseAccessKey string) error {
	h, err := NewCallbackHandler(ingester, firehoseAccessKey)
	if err != nil {
		return err
	}

	callbacks := router.Group("/v1/callbacks")
	for _, name := range []string{
		provider.NameSES,
		provider.NameSNS,
		provider.NamePinpoint,
		provider.NameMMG,
		provider.NameFiretext,
		provider.NameGovDelivery,
	} {
		callbacks.Post("/"+name, h.ProviderCallback(name))
	}
	callbacks.Post("/twilio/:notificationId?", h.TwilioCallback)
	callbacks.Post("/pinpoint-v2/firehose", h.FirehoseBatch)

	return nil
}

type firehoseRequest struct {
	RequestID string                   `json:"requestId" validate:"required"`
	Timestamp int64                    `json:"timestamp"`
	Records   []service.FirehoseRecord `json:"records"`
}

type firehoseResponse struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

// ProviderCallback queues the raw body for providerName.
func (h *CallbackHandler) ProviderCallback(providerName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := bytes.TrimSpace(c.Body())
		if len(body) == 0 {
			return toHTTPError(fmt.Errorf("%w: callback body is empty", domain.ErrValidation))
		}

		if err := h.ingester.Enqueue(c.UserContext(), providerName, append([]byte(nil), body...), ""); err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "queued"})
	}
}

// TwilioCallback queues the base64 encoded form body. The optional path
// parameter names the notification the status callback URL was issued for.
func (h *CallbackHandler) TwilioCallback(c *fiber.Ctx) error {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return toHTTPError(fmt.Errorf("%w: callback body is empty", domain.ErrValidation))
	}

	encoded := base64.StdEncoding.EncodeToString(body)
	notificationID := strings.TrimSpace(c.Params("notificationId"))
	if err := h.ingester.Enqueue(c.UserContext(), provider.NameTwilio, []byte(encoded), notificationID); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "queued"})
}

// FirehoseBatch accepts a Pinpoint v2 event batch delivered by Kinesis Data
// Firehose. Undecodable records are skipped; the batch is acknowledged anyway.
func (h *CallbackHandler) FirehoseBatch(c *fiber.Ctx) error {
	if h.firehoseAccessKey != "" {
		got := c.Get(firehoseAccessKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.firehoseAccessKey)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid firehose access key")
		}
	}

	var req firehoseRequest
	if err := parseBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	h.ingester.EnqueueFirehose(c.UserContext(), req.RequestID, req.Records)

	return c.Status(fiber.StatusOK).JSON(firehoseResponse{
		RequestID: req.RequestID,
		Timestamp: h.now().UnixMilli(),
	})
}

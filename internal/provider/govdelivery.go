package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// GovDeliveryClient sends email through the GovDelivery TMS API.
type GovDeliveryClient struct {
	client      *resty.Client
	endpoint    string
	token       string
	fromAddress string
}

func NewGovDeliveryClient(endpoint, token, fromAddress string, client *resty.Client) (*GovDeliveryClient, error) {
	trimmedEndpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("govdelivery token is required")
	}
	client, err = prepareHTTPClient(client)
	if err != nil {
		return nil, err
	}
	return &GovDeliveryClient{client: client, endpoint: trimmedEndpoint, token: token, fromAddress: fromAddress}, nil
}

func (c *GovDeliveryClient) Name() string { return NameGovDelivery }

func (c *GovDeliveryClient) NotificationType() domain.NotificationType {
	return domain.NotificationTypeEmail
}

type govDeliveryRecipient struct {
	Email string `json:"email"`
}

type govDeliverySendRequest struct {
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	FromEmail  string                 `json:"from_email,omitempty"`
	ReplyTo    string                 `json:"reply_to,omitempty"`
	Recipients []govDeliveryRecipient `json:"recipients"`
}

type govDeliverySendResponse struct {
	Links struct {
		Self string `json:"self"`
	} `json:"_links"`
}

func (c *GovDeliveryClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	body := req.HTMLBody
	if body == "" {
		body = req.Body
	}

	var result govDeliverySendResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-AUTH-TOKEN", c.token).
		SetHeader("Content-Type", "application/json").
		SetBody(govDeliverySendRequest{
			Subject:    req.Subject,
			Body:       body,
			FromEmail:  c.fromAddress,
			ReplyTo:    req.ReplyTo,
			Recipients: []govDeliveryRecipient{{Email: req.To}},
		}).
		SetResult(&result).
		Post(c.endpoint + "/messages/email")
	if err != nil {
		return nil, requestError(NameGovDelivery, err)
	}
	if err := checkResponse(NameGovDelivery, response); err != nil {
		return nil, err
	}

	reference := messageIDFromURL(result.Links.Self)
	if reference == "" {
		return nil, &ProviderError{Provider: NameGovDelivery, Message: "response missing message link", Transient: true}
	}
	return &SendResult{Reference: reference}, nil
}

type govDeliveryCallback struct {
	SID          string `json:"sid"`
	MessageURL   string `json:"message_url"`
	RecipientURL string `json:"recipient_url"`
	Status       string `json:"status"`
	MessageType  string `json:"message_type"`
	CompletedAt  string `json:"completed_at"`
	ErrorMessage string `json:"error_message"`
}

var govDeliveryStatuses = map[string]statusMapping{
	"sent":         {status: domain.StatusDelivered},
	"failed":       {status: domain.StatusPermanentFailure, reason: "failed"},
	"inconclusive": {status: domain.StatusTemporaryFailure, reason: "inconclusive"},
	"canceled":     {status: domain.StatusTechnicalFailure, reason: "canceled"},
	"blacklisted":  {status: domain.StatusPermanentFailure, reason: "blacklisted"},
}

func (c *GovDeliveryClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	var cb govDeliveryCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, untranslatable(NameGovDelivery, "invalid JSON", err)
	}
	reference := messageIDFromURL(cb.MessageURL)
	if reference == "" {
		return nil, untranslatable(NameGovDelivery, "missing message_url", nil)
	}
	mapping, ok := govDeliveryStatuses[strings.ToLower(cb.Status)]
	if !ok {
		return nil, untranslatable(NameGovDelivery, fmt.Sprintf("unknown status %q", cb.Status), nil)
	}

	record := &domain.StatusRecord{
		Reference:        reference,
		Status:           mapping.status,
		StatusReason:     mapping.reason,
		Provider:         NameGovDelivery,
		ProviderResponse: cb.ErrorMessage,
		Payload: map[string]any{
			"sid":          cb.SID,
			"message_url":  cb.MessageURL,
			"status":       cb.Status,
			"completed_at": cb.CompletedAt,
		},
	}
	if completedAt, err := time.Parse(time.RFC3339, cb.CompletedAt); err == nil {
		record.ProviderUpdatedAt = completedAt
	}
	return record, nil
}

func (c *GovDeliveryClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	status := "sent"
	switch outcome {
	case domain.StatusTemporaryFailure:
		status = "inconclusive"
	case domain.StatusPermanentFailure:
		status = "failed"
	}
	return json.Marshal(govDeliveryCallback{
		SID:         reference,
		MessageURL:  "/messages/email/" + reference,
		Status:      status,
		MessageType: "email",
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func messageIDFromURL(link string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(link), "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

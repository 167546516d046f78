package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// FiretextClient sends SMS through the Firetext HTTP API.
type FiretextClient struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	sender   string
}

func NewFiretextClient(endpoint, apiKey, sender string, client *resty.Client) (*FiretextClient, error) {
	trimmedEndpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("firetext api key is required")
	}
	client, err = prepareHTTPClient(client)
	if err != nil {
		return nil, err
	}
	return &FiretextClient{client: client, endpoint: trimmedEndpoint, apiKey: apiKey, sender: sender}, nil
}

func (c *FiretextClient) Name() string { return NameFiretext }

func (c *FiretextClient) NotificationType() domain.NotificationType { return domain.NotificationTypeSMS }

type firetextSendResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (c *FiretextClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	sender := req.Sender
	if sender == "" {
		sender = c.sender
	}

	var result firetextSendResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"apiKey":    c.apiKey,
			"from":      sender,
			"to":        req.To,
			"message":   req.Body,
			"reference": req.Reference,
		}).
		SetResult(&result).
		Post(c.endpoint)
	if err != nil {
		return nil, requestError(NameFiretext, err)
	}
	if err := checkResponse(NameFiretext, response); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, &ProviderError{
			Provider: NameFiretext,
			Code:     fmt.Sprintf("%d", result.Code),
			Message:  result.Description,
			Reason:   "provider rejected message",
		}
	}

	return &SendResult{Reference: req.Reference, Response: result.Description}, nil
}

var firetextStatuses = map[string]statusMapping{
	"0": {status: domain.StatusDelivered},
	"1": {status: domain.StatusPermanentFailure, reason: "declined"},
	"2": {status: domain.StatusSending},
}

var firetextFailureCodes = map[string]string{
	"101": "unknown subscriber",
	"102": "absent subscriber",
	"103": "subscriber busy",
	"104": "no subscriber memory",
	"201": "invalid number",
	"301": "sms not supported",
	"401": "message rejected",
	"900": "routing error",
}

// TranslateDeliveryStatus expects the form-encoded callback body.
func (c *FiretextClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	values, err := url.ParseQuery(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, untranslatable(NameFiretext, "payload is not a query string", err)
	}
	reference := values.Get("reference")
	if reference == "" {
		return nil, untranslatable(NameFiretext, "missing reference", nil)
	}
	mapping, ok := firetextStatuses[values.Get("status")]
	if !ok {
		return nil, untranslatable(NameFiretext, fmt.Sprintf("unknown status %q", values.Get("status")), nil)
	}
	if reason, ok := firetextFailureCodes[values.Get("code")]; ok && mapping.status == domain.StatusPermanentFailure {
		mapping.reason = reason
	}

	record := &domain.StatusRecord{
		Reference:    reference,
		Status:       mapping.status,
		StatusReason: mapping.reason,
		Provider:     NameFiretext,
		Payload:      make(map[string]any, len(values)),
	}
	for key := range values {
		record.Payload[key] = values.Get(key)
	}
	return record, nil
}

func (c *FiretextClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	values := url.Values{}
	values.Set("mobile", to)
	values.Set("reference", reference)
	switch outcome {
	case domain.StatusPermanentFailure, domain.StatusTemporaryFailure:
		values.Set("status", "1")
		values.Set("code", "101")
	default:
		values.Set("status", "0")
	}
	return []byte(values.Encode()), nil
}

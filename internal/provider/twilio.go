package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
	StatusCallbackURL   string
	BaseURL             string
}

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	client  *resty.Client
	cfg     TwilioConfig
	baseURL string
}

func NewTwilioClient(cfg TwilioConfig, client *resty.Client) (*TwilioClient, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	baseURL, err := validateEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	client, err = prepareHTTPClient(client)
	if err != nil {
		return nil, err
	}

	return &TwilioClient{client: client, cfg: cfg, baseURL: baseURL}, nil
}

func (c *TwilioClient) Name() string { return NameTwilio }

func (c *TwilioClient) NotificationType() domain.NotificationType { return domain.NotificationTypeSMS }

type twilioMessageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *TwilioClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	form := map[string]string{
		"To":   req.To,
		"Body": req.Body,
	}
	switch {
	case strings.HasPrefix(req.Sender, "MG"):
		form["MessagingServiceSid"] = req.Sender
	case req.Sender != "":
		form["From"] = req.Sender
	case c.cfg.MessagingServiceSID != "":
		form["MessagingServiceSid"] = c.cfg.MessagingServiceSID
	default:
		form["From"] = c.cfg.FromNumber
	}
	if c.cfg.StatusCallbackURL != "" {
		form["StatusCallback"] = strings.TrimRight(c.cfg.StatusCallbackURL, "/") + "/" + url.PathEscape(req.Reference)
	}

	var result twilioMessageResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken).
		SetFormData(form).
		SetResult(&result).
		Post(fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.cfg.AccountSID)))
	if err != nil {
		return nil, requestError(NameTwilio, err)
	}
	if err := checkResponse(NameTwilio, response); err != nil {
		return nil, classifyTwilioSendError(err.(*ProviderError), response.Body())
	}
	if result.SID == "" {
		return nil, &ProviderError{Provider: NameTwilio, Message: "response missing message sid", Transient: true}
	}

	return &SendResult{Reference: result.SID, Response: result.Status}, nil
}

func classifyTwilioSendError(providerErr *ProviderError, body []byte) error {
	var apiErr twilioErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
		return providerErr
	}
	providerErr.Code = strconv.Itoa(apiErr.Code)
	if mapping, ok := twilioErrorCodes[providerErr.Code]; ok {
		providerErr.Reason = mapping.reason
		if providerErr.StatusCode != http.StatusTooManyRequests {
			providerErr.Transient = mapping.status == domain.StatusTemporaryFailure
		}
	}
	return providerErr
}

type statusMapping struct {
	status domain.Status
	reason string
}

var twilioStatuses = map[string]statusMapping{
	"accepted":    {status: domain.StatusSending},
	"scheduled":   {status: domain.StatusSending},
	"queued":      {status: domain.StatusSending},
	"sending":     {status: domain.StatusSending},
	"sent":        {status: domain.StatusSent},
	"delivered":   {status: domain.StatusDelivered},
	"read":        {status: domain.StatusDelivered},
	"undelivered": {status: domain.StatusTemporaryFailure, reason: "undelivered"},
	"failed":      {status: domain.StatusTechnicalFailure, reason: "failed"},
	"canceled":    {status: domain.StatusTechnicalFailure, reason: "canceled"},
}

// twilioErrorCodes refine undelivered/failed callbacks and send rejections.
var twilioErrorCodes = map[string]statusMapping{
	"30001": {status: domain.StatusTemporaryFailure, reason: "queue overflow"},
	"30002": {status: domain.StatusTechnicalFailure, reason: "account suspended"},
	"30003": {status: domain.StatusTemporaryFailure, reason: "unreachable destination handset"},
	"30004": {status: domain.StatusPermanentFailure, reason: "message blocked"},
	"30005": {status: domain.StatusPermanentFailure, reason: "unknown destination handset"},
	"30006": {status: domain.StatusPermanentFailure, reason: "landline or unreachable carrier"},
	"30007": {status: domain.StatusPermanentFailure, reason: "message filtered"},
	"30008": {status: domain.StatusTechnicalFailure, reason: "unknown error"},
	"30034": {status: domain.StatusPermanentFailure, reason: "unregistered sender"},
	"21211": {status: domain.StatusPermanentFailure, reason: "invalid destination number"},
	"21610": {status: domain.StatusPermanentFailure, reason: "opted out"},
	"21614": {status: domain.StatusPermanentFailure, reason: "not a mobile number"},
}

// TranslateDeliveryStatus expects the base64 encoded form body Twilio posted.
func (c *TwilioClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	return translateTwilio(raw)
}

func translateTwilio(raw []byte) (*domain.StatusRecord, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, untranslatable(NameTwilio, "payload is not base64", err)
	}
	values, err := url.ParseQuery(string(decoded))
	if err != nil {
		return nil, untranslatable(NameTwilio, "payload is not a query string", err)
	}

	sid := values.Get("MessageSid")
	if sid == "" {
		return nil, untranslatable(NameTwilio, "missing MessageSid", nil)
	}
	rawStatus := strings.ToLower(values.Get("MessageStatus"))
	mapping, ok := twilioStatuses[rawStatus]
	if !ok {
		return nil, untranslatable(NameTwilio, fmt.Sprintf("unknown MessageStatus %q", rawStatus), nil)
	}

	if code := values.Get("ErrorCode"); code != "" && mapping.status.IsFailure() {
		if refined, ok := twilioErrorCodes[code]; ok {
			mapping = refined
		}
	}

	record := &domain.StatusRecord{
		Reference:    sid,
		Status:       mapping.status,
		StatusReason: mapping.reason,
		Provider:     NameTwilio,
		Payload:      make(map[string]any, len(values)),
	}
	if parts, err := strconv.Atoi(values.Get("NumSegments")); err == nil && parts > 0 {
		record.MessageParts = parts
	}
	if code := values.Get("ErrorCode"); code != "" {
		record.ProviderResponse = "error code " + code
	}
	for key := range values {
		record.Payload[key] = values.Get(key)
	}

	return record, nil
}

func (c *TwilioClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	values := url.Values{}
	values.Set("MessageSid", reference)
	values.Set("To", to)
	switch outcome {
	case domain.StatusTemporaryFailure:
		values.Set("MessageStatus", "undelivered")
		values.Set("ErrorCode", "30003")
	case domain.StatusPermanentFailure:
		values.Set("MessageStatus", "undelivered")
		values.Set("ErrorCode", "30005")
	default:
		values.Set("MessageStatus", "delivered")
	}
	return []byte(base64.StdEncoding.EncodeToString([]byte(values.Encode()))), nil
}

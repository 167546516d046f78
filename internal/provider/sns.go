package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// SNSAPI is the subset of the SNS client used for sending.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSClient struct {
	api      SNSAPI
	senderID string
}

func NewSNSClient(api SNSAPI, senderID string) (*SNSClient, error) {
	if api == nil {
		return nil, fmt.Errorf("sns api client is required")
	}
	return &SNSClient{api: api, senderID: senderID}, nil
}

func (c *SNSClient) Name() string { return NameSNS }

func (c *SNSClient) NotificationType() domain.NotificationType { return domain.NotificationTypeSMS }

func (c *SNSClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	attributes := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	senderID := req.Sender
	if senderID == "" {
		senderID = c.senderID
	}
	if senderID != "" && !strings.HasPrefix(senderID, "+") {
		attributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(senderID)}
	}
	if strings.HasPrefix(senderID, "+") {
		attributes["AWS.MM.SMS.OriginationNumber"] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(senderID)}
	}

	output, err := c.api.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(req.To),
		Message:           aws.String(req.Body),
		MessageAttributes: attributes,
	})
	if err != nil {
		return nil, classifyAWSError(NameSNS, err)
	}
	if output == nil || aws.ToString(output.MessageId) == "" {
		return nil, &ProviderError{Provider: NameSNS, Message: "response missing message id", Transient: true}
	}
	return &SendResult{Reference: aws.ToString(output.MessageId)}, nil
}

type snsDeliveryStatus struct {
	Notification struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"notification"`
	Delivery struct {
		PhoneCarrier     string   `json:"phoneCarrier"`
		Destination      string   `json:"destination"`
		PriceInUSD       *float64 `json:"priceInUSD"`
		ProviderResponse string   `json:"providerResponse"`
		NumberOfParts    int      `json:"numberOfMessageParts"`
	} `json:"delivery"`
	Status string `json:"status"`
}

const snsTimestampLayout = "2006-01-02 15:04:05.999"

// snsProviderResponses refines FAILURE callbacks by the carrier text SNS reports.
var snsProviderResponses = map[string]statusMapping{
	"Blocked as spam by phone carrier":                   {status: domain.StatusPermanentFailure, reason: "blocked"},
	"Destination is on a blocked list":                   {status: domain.StatusPermanentFailure, reason: "blocked"},
	"Invalid phone number":                               {status: domain.StatusPermanentFailure, reason: "invalid number"},
	"Message body is invalid":                            {status: domain.StatusTechnicalFailure, reason: "invalid message body"},
	"Phone carrier has blocked this message":             {status: domain.StatusPermanentFailure, reason: "blocked"},
	"Phone carrier is currently unreachable/unavailable": {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"Phone has blocked SMS":                              {status: domain.StatusPermanentFailure, reason: "blocked"},
	"Phone is on a blocked list":                         {status: domain.StatusPermanentFailure, reason: "blocked"},
	"Phone is currently unreachable/unavailable":         {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"Phone number is opted out":                          {status: domain.StatusPermanentFailure, reason: "opted out"},
	"This delivery would exceed max price":               {status: domain.StatusTechnicalFailure, reason: "max price exceeded"},
	"Unknown error attempting to reach phone":            {status: domain.StatusTechnicalFailure, reason: "unknown error"},
	"Message has been accepted by phone carrier":         {status: domain.StatusDelivered},
	"Message has been accepted by phone":                 {status: domain.StatusDelivered},
}

func (c *SNSClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	var payload snsDeliveryStatus
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, untranslatable(NameSNS, "invalid JSON", err)
	}
	if payload.Notification.MessageID == "" {
		return nil, untranslatable(NameSNS, "missing notification.messageId", nil)
	}

	record := &domain.StatusRecord{
		Reference:        payload.Notification.MessageID,
		Provider:         NameSNS,
		ProviderResponse: payload.Delivery.ProviderResponse,
		Carrier:          domain.StringPtr(payload.Delivery.PhoneCarrier),
		MessageParts:     payload.Delivery.NumberOfParts,
	}

	switch payload.Status {
	case "SUCCESS":
		record.Status = domain.StatusDelivered
	case "FAILURE":
		mapping, ok := snsProviderResponses[payload.Delivery.ProviderResponse]
		if !ok || mapping.status == domain.StatusDelivered {
			mapping = statusMapping{status: domain.StatusTechnicalFailure, reason: "unknown error"}
		}
		record.Status = mapping.status
		record.StatusReason = mapping.reason
	default:
		return nil, untranslatable(NameSNS, fmt.Sprintf("unknown status %q", payload.Status), nil)
	}

	if payload.Delivery.PriceInUSD != nil {
		record.PriceMillicents = domain.DollarsToMillicents(*payload.Delivery.PriceInUSD)
	}
	if ts, err := time.Parse(snsTimestampLayout, payload.Notification.Timestamp); err == nil {
		record.ProviderUpdatedAt = ts
	}

	var rawPayload map[string]any
	if err := json.Unmarshal(raw, &rawPayload); err == nil {
		record.Payload = rawPayload
	}
	return record, nil
}

func (c *SNSClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	var payload snsDeliveryStatus
	payload.Notification.MessageID = reference
	payload.Notification.Timestamp = time.Now().UTC().Format(snsTimestampLayout)
	payload.Delivery.Destination = to
	price := 0.00645
	payload.Delivery.PriceInUSD = &price
	payload.Delivery.NumberOfParts = 1

	switch outcome {
	case domain.StatusTemporaryFailure:
		payload.Status = "FAILURE"
		payload.Delivery.ProviderResponse = "Phone is currently unreachable/unavailable"
	case domain.StatusPermanentFailure:
		payload.Status = "FAILURE"
		payload.Delivery.ProviderResponse = "Invalid phone number"
	default:
		payload.Status = "SUCCESS"
		payload.Delivery.ProviderResponse = "Message has been accepted by phone carrier"
	}
	return json.Marshal(payload)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// SESAPI is the subset of the SES client used for sending.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

type SESClient struct {
	api              SESAPI
	fromAddress      string
	configurationSet string
}

func NewSESClient(api SESAPI, fromAddress, configurationSet string) (*SESClient, error) {
	if api == nil {
		return nil, fmt.Errorf("ses api client is required")
	}
	if strings.TrimSpace(fromAddress) == "" {
		return nil, fmt.Errorf("ses from address is required")
	}
	return &SESClient{api: api, fromAddress: fromAddress, configurationSet: configurationSet}, nil
}

func (c *SESClient) Name() string { return NameSES }

func (c *SESClient) NotificationType() domain.NotificationType { return domain.NotificationTypeEmail }

func (c *SESClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	from := c.fromAddress
	if req.Sender != "" {
		from = req.Sender
	}
	raw, err := buildRawEmail(from, req)
	if err != nil {
		return nil, &ProviderError{Provider: NameSES, Message: "failed to build message", Reason: "invalid message", Cause: err}
	}

	input := &ses.SendRawEmailInput{
		RawMessage: &sestypes.RawMessage{Data: raw},
	}
	if c.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.configurationSet)
	}

	output, err := c.api.SendRawEmail(ctx, input)
	if err != nil {
		return nil, classifyAWSError(NameSES, err)
	}
	if output == nil || aws.ToString(output.MessageId) == "" {
		return nil, &ProviderError{Provider: NameSES, Message: "response missing message id", Transient: true}
	}
	return &SendResult{Reference: aws.ToString(output.MessageId)}, nil
}

func buildRawEmail(from string, req SendRequest) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	headers := []string{
		"From: " + from,
		"To: " + req.To,
		"Subject: " + mime.QEncoding.Encode("utf-8", req.Subject),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", writer.Boundary()),
	}
	if req.ReplyTo != "" {
		headers = append(headers, "Reply-To: "+req.ReplyTo)
	}
	buf.WriteString(strings.Join(headers, "\r\n") + "\r\n\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{contentType: "text/plain; charset=UTF-8", body: req.Body},
		{contentType: "text/html; charset=UTF-8", body: req.HTMLBody},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		w, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type sesEvent struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
		Timestamp     string `json:"timestamp"`
	} `json:"bounce,omitempty"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
	} `json:"complaint,omitempty"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery,omitempty"`
}

// TranslateDeliveryStatus accepts either the SNS-wrapped notification or the bare SES event.
func (c *SESClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	return translateSES(raw)
}

func translateSES(raw []byte) (*domain.StatusRecord, error) {
	body := raw
	var envelope snsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, untranslatable(NameSES, "invalid JSON", err)
	}
	if envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var event sesEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, untranslatable(NameSES, "invalid SES message", err)
	}
	if event.Mail.MessageID == "" {
		return nil, untranslatable(NameSES, "missing mail.messageId", nil)
	}

	eventType := event.NotificationType
	if eventType == "" {
		eventType = event.EventType
	}

	record := &domain.StatusRecord{
		Reference: event.Mail.MessageID,
		Provider:  NameSES,
	}

	var eventTime string
	switch eventType {
	case "Delivery":
		record.Status = domain.StatusDelivered
		if event.Delivery != nil {
			eventTime = event.Delivery.Timestamp
		}
	case "Complaint":
		// A complaint means the message reached the inbox.
		record.Status = domain.StatusDelivered
		if event.Complaint != nil {
			eventTime = event.Complaint.Timestamp
		}
	case "Bounce":
		if event.Bounce == nil {
			return nil, untranslatable(NameSES, "bounce without details", nil)
		}
		eventTime = event.Bounce.Timestamp
		if event.Bounce.BounceType == "Permanent" {
			record.Status = domain.StatusPermanentFailure
			record.StatusReason = "hard bounce"
		} else {
			record.Status = domain.StatusTemporaryFailure
			record.StatusReason = "soft bounce"
		}
		record.ProviderResponse = strings.TrimSpace(event.Bounce.BounceType + " " + event.Bounce.BounceSubType)
	default:
		return nil, untranslatable(NameSES, fmt.Sprintf("unknown notificationType %q", eventType), nil)
	}

	if eventTime == "" {
		eventTime = event.Mail.Timestamp
	}
	if ts, err := time.Parse(time.RFC3339, eventTime); err == nil {
		record.ProviderUpdatedAt = ts
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		record.Payload = payload
	}
	return record, nil
}

func (c *SESClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	event := map[string]any{
		"mail": map[string]any{
			"messageId":   reference,
			"timestamp":   now,
			"destination": []string{to},
		},
	}
	switch outcome {
	case domain.StatusPermanentFailure:
		event["notificationType"] = "Bounce"
		event["bounce"] = map[string]any{"bounceType": "Permanent", "bounceSubType": "General", "timestamp": now}
	case domain.StatusTemporaryFailure:
		event["notificationType"] = "Bounce"
		event["bounce"] = map[string]any{"bounceType": "Transient", "bounceSubType": "General", "timestamp": now}
	default:
		event["notificationType"] = "Delivery"
		event["delivery"] = map[string]any{"timestamp": now}
	}

	message, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snsEnvelope{Type: "Notification", MessageID: reference, Message: string(message)})
}

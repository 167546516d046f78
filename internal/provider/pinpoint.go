package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	pinpointtypes "github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// PinpointAPI is the subset of the Pinpoint client used for sending.
type PinpointAPI interface {
	SendMessages(ctx context.Context, params *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// PinpointClient sends SMS through the Pinpoint v1 SendMessages API. Delivery
// events are pushed back to us as flat JSON.
type PinpointClient struct {
	api               PinpointAPI
	applicationID     string
	originationNumber string
}

func NewPinpointClient(api PinpointAPI, applicationID, originationNumber string) (*PinpointClient, error) {
	if api == nil {
		return nil, fmt.Errorf("pinpoint api client is required")
	}
	if strings.TrimSpace(applicationID) == "" {
		return nil, fmt.Errorf("pinpoint application id is required")
	}
	return &PinpointClient{api: api, applicationID: applicationID, originationNumber: originationNumber}, nil
}

func (c *PinpointClient) Name() string { return NamePinpoint }

func (c *PinpointClient) NotificationType() domain.NotificationType { return domain.NotificationTypeSMS }

// pinpointResultStatuses classifies per-address delivery results of SendMessages.
var pinpointResultStatuses = map[string]*ProviderError{
	"THROTTLED":         {Transient: true, Message: "throttled"},
	"TEMPORARY_FAILURE": {Transient: true, Message: "temporary failure"},
	"TIMEOUT":           {Transient: true, Message: "timeout"},
	"UNKNOWN_FAILURE":   {Transient: true, Message: "unknown failure"},
	"PERMANENT_FAILURE": {Reason: "invalid recipient", Message: "permanent failure"},
	"OPT_OUT":           {Reason: "opted out", Message: "opted out"},
	"DUPLICATE":         {Reason: "duplicate message", Message: "duplicate"},
}

func (c *PinpointClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	origination := req.Sender
	if origination == "" {
		origination = c.originationNumber
	}

	sms := &pinpointtypes.SMSMessage{
		Body:        aws.String(req.Body),
		MessageType: pinpointtypes.MessageTypeTransactional,
	}
	if origination != "" {
		sms.OriginationNumber = aws.String(origination)
	}

	output, err := c.api.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(c.applicationID),
		MessageRequest: &pinpointtypes.MessageRequest{
			Addresses: map[string]pinpointtypes.AddressConfiguration{
				req.To: {ChannelType: pinpointtypes.ChannelTypeSms},
			},
			MessageConfiguration: &pinpointtypes.DirectMessageConfiguration{SMSMessage: sms},
		},
	})
	if err != nil {
		return nil, classifyAWSError(NamePinpoint, err)
	}
	if output == nil || output.MessageResponse == nil {
		return nil, &ProviderError{Provider: NamePinpoint, Message: "empty message response", Transient: true}
	}

	result, ok := output.MessageResponse.Result[req.To]
	if !ok {
		return nil, &ProviderError{Provider: NamePinpoint, Message: "missing result for destination", Transient: true}
	}

	deliveryStatus := string(result.DeliveryStatus)
	if deliveryStatus == "SUCCESSFUL" {
		return &SendResult{Reference: aws.ToString(result.MessageId), Response: aws.ToString(result.StatusMessage)}, nil
	}

	template, ok := pinpointResultStatuses[deliveryStatus]
	if !ok {
		template = &ProviderError{Transient: true, Message: "unexpected delivery status"}
	}
	providerErr := *template
	providerErr.Provider = NamePinpoint
	providerErr.Code = deliveryStatus
	providerErr.Message = strings.TrimSpace(providerErr.Message + " " + aws.ToString(result.StatusMessage))
	if result.StatusCode != nil {
		providerErr.StatusCode = int(*result.StatusCode)
	}
	return nil, &providerErr
}

func (c *PinpointClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	return translatePinpointEvent(NamePinpoint, raw, false)
}

func (c *PinpointClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	return simulatePinpointEvent(reference, to, outcome)
}

package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2"
	smsvoicetypes "github.com/aws/aws-sdk-go-v2/service/pinpointsmsvoicev2/types"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// PinpointV2API is the subset of the SMS and Voice v2 client used for sending.
type PinpointV2API interface {
	SendTextMessage(ctx context.Context, params *pinpointsmsvoicev2.SendTextMessageInput, optFns ...func(*pinpointsmsvoicev2.Options)) (*pinpointsmsvoicev2.SendTextMessageOutput, error)
}

// PinpointV2Client sends through SMS and Voice v2. Its delivery events arrive
// as base64 records on a firehose stream and must carry an eventTimestamp.
type PinpointV2Client struct {
	api                 PinpointV2API
	originationIdentity string
	configurationSet    string
}

func NewPinpointV2Client(api PinpointV2API, originationIdentity, configurationSet string) (*PinpointV2Client, error) {
	if api == nil {
		return nil, fmt.Errorf("pinpoint v2 api client is required")
	}
	return &PinpointV2Client{api: api, originationIdentity: originationIdentity, configurationSet: configurationSet}, nil
}

func (c *PinpointV2Client) Name() string { return NamePinpointV2 }

func (c *PinpointV2Client) NotificationType() domain.NotificationType {
	return domain.NotificationTypeSMS
}

func (c *PinpointV2Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	input := &pinpointsmsvoicev2.SendTextMessageInput{
		DestinationPhoneNumber: aws.String(req.To),
		MessageBody:            aws.String(req.Body),
		MessageType:            smsvoicetypes.MessageTypeTransactional,
	}
	origination := req.Sender
	if origination == "" {
		origination = c.originationIdentity
	}
	if origination != "" {
		input.OriginationIdentity = aws.String(origination)
	}
	if c.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.configurationSet)
	}

	output, err := c.api.SendTextMessage(ctx, input)
	if err != nil {
		return nil, classifyAWSError(NamePinpointV2, err)
	}
	if output == nil || aws.ToString(output.MessageId) == "" {
		return nil, &ProviderError{Provider: NamePinpointV2, Message: "response missing message id", Transient: true}
	}
	return &SendResult{Reference: aws.ToString(output.MessageId)}, nil
}

// TranslateDeliveryStatus expects one decoded firehose record.
func (c *PinpointV2Client) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	return translatePinpointEvent(NamePinpointV2, raw, true)
}

func (c *PinpointV2Client) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	return simulatePinpointEvent(reference, to, outcome)
}

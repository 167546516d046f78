package provider

import (
	"context"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// Provider identifiers used in provider_details, sent_by and callback routing.
const (
	NameSES         = "ses"
	NameGovDelivery = "govdelivery"
	NameSNS         = "sns"
	NamePinpoint    = "pinpoint"
	NamePinpointV2  = "pinpoint_v2"
	NameTwilio      = "twilio"
	NameMMG         = "mmg"
	NameFiretext    = "firetext"
	NameVEText      = "vetext"
)

// Client is the outbound port every third-party provider implements.
type Client interface {
	Name() string
	NotificationType() domain.NotificationType
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	// TranslateDeliveryStatus is pure. It returns an error wrapping
	// ErrUntranslatableStatus for malformed or unknown payloads.
	TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error)
}

// Simulator produces a provider-shaped callback body for research mode sends.
type Simulator interface {
	SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error)
}

type SendRequest struct {
	// Reference is the notification id; some providers echo it back as their own reference.
	Reference     string
	To            string
	Subject       string
	Body          string
	HTMLBody      string
	Sender        string
	ReplyTo       string
	International bool
	TemplateID    string
	// Personalisation is forwarded to providers that render remotely.
	Personalisation map[string]string
}

type SendResult struct {
	// Reference is empty when the provider may have accepted the message without acknowledging it.
	Reference string
	Response  string
}

// AsSimulator unwraps decorators and returns the client's Simulator, if any.
func AsSimulator(c Client) (Simulator, bool) {
	for c != nil {
		if sim, ok := c.(Simulator); ok {
			return sim, true
		}
		unwrapper, ok := c.(interface{ Unwrap() Client })
		if !ok {
			return nil, false
		}
		c = unwrapper.Unwrap()
	}
	return nil, false
}

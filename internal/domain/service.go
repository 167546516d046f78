package domain

import "slices"

// Service owns notifications and may pin a provider per channel.
type Service struct {
	ID               string
	Name             string
	ResearchMode     bool
	SmsProviderID    *string
	EmailProviderID  *string
	DefaultSmsSender *string
}

// ProviderIDFor returns the pinned provider id for a channel, if any.
func (s *Service) ProviderIDFor(t NotificationType) *string {
	if s == nil {
		return nil
	}
	switch t {
	case NotificationTypeSMS:
		return s.SmsProviderID
	case NotificationTypeEmail:
		return s.EmailProviderID
	}
	return nil
}

type Template struct {
	ID           string
	Version      int
	ServiceID    string
	TemplateType NotificationType
	Subject      string
	Content      string
	ProviderID   *string
}

type ServiceSmsSender struct {
	ID        string
	ServiceID string
	SmsSender string
}

type CallbackType string

const (
	CallbackTypeDeliveryStatus CallbackType = "delivery_status"
	CallbackTypeInboundSMS     CallbackType = "inbound_sms"
)

// ServiceCallback is a service's registered webhook. BearerToken is stored encrypted.
type ServiceCallback struct {
	ID                     string
	ServiceID              string
	URL                    string
	BearerToken            string
	CallbackChannel        string
	CallbackType           CallbackType
	NotificationStatuses   []Status
	IncludeProviderPayload bool
	Suspended              bool
}

// Wants reports whether the callback subscribed to status. An empty set means all.
func (c *ServiceCallback) Wants(status Status) bool {
	if len(c.NotificationStatuses) == 0 {
		return true
	}
	return slices.Contains(c.NotificationStatuses, status)
}

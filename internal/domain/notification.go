package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the canonical notification status every provider vocabulary maps into.
type Status string

const (
	StatusCreated          Status = "created"
	StatusSending          Status = "sending"
	StatusSent             Status = "sent"
	StatusDelivered        Status = "delivered"
	StatusTemporaryFailure Status = "temporary-failure"
	StatusPermanentFailure Status = "permanent-failure"
	StatusTechnicalFailure Status = "technical-failure"
	StatusCancelled        Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusSending, StatusSent, StatusDelivered,
		StatusTemporaryFailure, StatusPermanentFailure, StatusTechnicalFailure, StatusCancelled:
		return true
	}
	return false
}

// IsFinal reports whether no further provider update may move the notification.
func (s Status) IsFinal() bool {
	switch s {
	case StatusDelivered, StatusTemporaryFailure, StatusPermanentFailure, StatusTechnicalFailure, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsFailure() bool {
	switch s {
	case StatusTemporaryFailure, StatusPermanentFailure, StatusTechnicalFailure:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// InFlightStatuses are the states a provider callback is allowed to move.
func InFlightStatuses() []Status {
	return []Status{StatusSending, StatusSent}
}

func (s Status) IsInFlight() bool {
	return s == StatusSending || s == StatusSent
}

// IsStaleTransition reports whether an incoming provider status must be
// ignored because the notification has already left the in-flight states.
// A late "delivered" never resurrects a failed notification.
func IsStaleTransition(current, incoming Status) bool {
	if !incoming.IsValid() {
		return true
	}
	return !current.IsInFlight()
}

// IsRegression reports whether an in-flight incoming status would move the
// notification back, as a late "sending" report does to a "sent" SMS.
func IsRegression(current, incoming Status) bool {
	return current == StatusSent && incoming == StatusSending
}

// NotificationType is the delivery channel of a notification.
type NotificationType string

const (
	NotificationTypeSMS   NotificationType = "sms"
	NotificationTypeEmail NotificationType = "email"
	NotificationTypePush  NotificationType = "push"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationTypeSMS, NotificationTypeEmail, NotificationTypePush:
		return true
	}
	return false
}

func ParseNotificationTypeFromString(s string) (NotificationType, error) {
	t := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// SentStatus is the status a successful provider hand-off lands in. SMS carriers
// acknowledge synchronously while email is only confirmed by a later callback.
func (t NotificationType) SentStatus() Status {
	if t == NotificationTypeEmail {
		return StatusSending
	}
	return StatusSent
}

// KeyType is the kind of API key a notification was created with.
type KeyType string

const (
	KeyTypeNormal KeyType = "normal"
	KeyTypeTeam   KeyType = "team"
	KeyTypeTest   KeyType = "test"
)

// Notification is the central entity reconciled by the dispatch core.
type Notification struct {
	ID                  string
	ServiceID           string
	TemplateID          string
	TemplateVersion     int
	Type                NotificationType
	Status              Status
	StatusReason        *string
	To                  string
	Reference           *string
	SentBy              *string
	SentAt              *time.Time
	BillableUnits       int
	SegmentsCount       int
	CostInMillicents    float64
	ProviderResponse    *string
	SmsSenderID         *string
	ReplyToText         *string
	ClientReference     *string
	KeyType             KeyType
	International       bool
	RecipientIdentifier *string
	Carrier             *string
	CountryCode         *string
	MessageEncoding     *string
	Personalisation     map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.ServiceID) == "" {
		return fmt.Errorf("%w: service id is required", ErrValidation)
	}
	if strings.TrimSpace(n.TemplateID) == "" {
		return fmt.Errorf("%w: template id is required", ErrValidation)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	return nil
}

// SentUpdate is persisted after a provider accepted a message.
type SentUpdate struct {
	Status        Status
	Reference     *string
	SentBy        string
	SentAt        time.Time
	BillableUnits int
}

// StatusUpdate is the narrow set of columns a delivery status callback writes.
type StatusUpdate struct {
	Status           Status
	StatusReason     *string
	CostDelta        float64
	SegmentsCount    *int
	Carrier          *string
	CountryCode      *string
	MessageEncoding  *string
	ProviderResponse *string
}

// NewStatusUpdate builds the update for a translated provider record.
// Delivered never carries a status reason.
func NewStatusUpdate(record *StatusRecord) StatusUpdate {
	upd := StatusUpdate{
		Status:          record.Status,
		CostDelta:       record.PriceMillicents,
		Carrier:         record.Carrier,
		CountryCode:     record.CountryCode,
		MessageEncoding: record.Encoding,
	}
	if record.StatusReason != "" {
		reason := record.StatusReason
		upd.StatusReason = &reason
	}
	if record.MessageParts > 0 {
		parts := record.MessageParts
		upd.SegmentsCount = &parts
	}
	if record.ProviderResponse != "" {
		resp := record.ProviderResponse
		upd.ProviderResponse = &resp
	}
	if upd.Status == StatusDelivered {
		upd.StatusReason = nil
	}
	return upd
}

// IsNoop reports whether applying u to n would leave every column unchanged.
func (u StatusUpdate) IsNoop(n *Notification) bool {
	if n == nil || u.Status != n.Status || u.CostDelta != 0 {
		return false
	}
	if u.SegmentsCount != nil && *u.SegmentsCount != n.SegmentsCount {
		return false
	}
	if !equalStringPtr(u.StatusReason, n.StatusReason) && u.Status != StatusDelivered {
		return false
	}
	for _, pair := range [][2]*string{
		{u.Carrier, n.Carrier},
		{u.CountryCode, n.CountryCode},
		{u.MessageEncoding, n.MessageEncoding},
	} {
		if pair[0] != nil && !equalStringPtr(pair[0], pair[1]) {
			return false
		}
	}
	return true
}

// Apply mutates n the same way the conditional database update does.
func (n *Notification) Apply(u StatusUpdate, now time.Time) {
	n.Status = u.Status
	n.StatusReason = u.StatusReason
	if u.Status == StatusDelivered {
		n.StatusReason = nil
	}
	n.CostInMillicents += u.CostDelta
	if u.SegmentsCount != nil {
		n.SegmentsCount = *u.SegmentsCount
	}
	if u.Carrier != nil {
		n.Carrier = u.Carrier
	}
	if u.CountryCode != nil {
		n.CountryCode = u.CountryCode
	}
	if u.MessageEncoding != nil {
		n.MessageEncoding = u.MessageEncoding
	}
	if u.ProviderResponse != nil {
		n.ProviderResponse = u.ProviderResponse
	}
	n.UpdatedAt = now
}

// ResetForRetry returns n to the sendable state, dropping its provider reference
// so a late callback for the previous attempt cannot match it.
func (n *Notification) ResetForRetry(costDelta float64, segments *int, now time.Time) {
	n.Status = StatusCreated
	n.StatusReason = nil
	n.Reference = nil
	n.CostInMillicents += costDelta
	if segments != nil {
		n.SegmentsCount = *segments
	}
	n.UpdatedAt = now
}

// RetryAnchor is when the retry window of n opened: the first provider
// hand-off, or creation when n was never handed off.
func (n *Notification) RetryAnchor() time.Time {
	if n.SentAt != nil {
		return *n.SentAt
	}
	return n.CreatedAt
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringPtr returns a pointer to a trimmed copy of s, or nil when s is blank.
func StringPtr(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

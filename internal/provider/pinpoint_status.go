package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// pinpointEvent is the flat SMS event shape shared by both Pinpoint generations.
type pinpointEvent struct {
	EventType                string   `json:"eventType,omitempty"`
	EventTimestamp           int64    `json:"eventTimestamp,omitempty"`
	IsFinal                  bool     `json:"isFinal"`
	MessageID                string   `json:"messageId"`
	MessageStatus            string   `json:"messageStatus"`
	MessageStatusDescription string   `json:"messageStatusDescription,omitempty"`
	DestinationPhoneNumber   string   `json:"destinationPhoneNumber,omitempty"`
	OriginationPhoneNumber   string   `json:"originationPhoneNumber,omitempty"`
	ISOCountryCode           string   `json:"isoCountryCode,omitempty"`
	CarrierName              string   `json:"carrierName,omitempty"`
	MessageEncoding          string   `json:"messageEncoding,omitempty"`
	TotalMessageParts        int      `json:"totalMessageParts,omitempty"`
	TotalMessagePrice        *float64 `json:"totalMessagePrice,omitempty"`
}

var pinpointStatuses = map[string]statusMapping{
	"DELIVERED":           {status: domain.StatusDelivered},
	"PENDING":             {status: domain.StatusSending},
	"INVALID":             {status: domain.StatusPermanentFailure, reason: "invalid number"},
	"UNREACHABLE":         {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"UNKNOWN":             {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"CARRIER_UNREACHABLE": {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"BLOCKED":             {status: domain.StatusPermanentFailure, reason: "blocked"},
	"SPAM":                {status: domain.StatusPermanentFailure, reason: "blocked"},
	"CARRIER_BLOCKED":     {status: domain.StatusPermanentFailure, reason: "blocked"},
	"TTL_EXPIRED":         {status: domain.StatusTemporaryFailure, reason: "retryable"},
	"MAX_PRICE_EXCEEDED":  {status: domain.StatusTechnicalFailure, reason: "max price exceeded"},
	"OPTED_OUT":           {status: domain.StatusPermanentFailure, reason: "opted out"},
	"INVALID_MESSAGE":     {status: domain.StatusTechnicalFailure, reason: "invalid message"},
}

func mapPinpointStatus(rawStatus string, isFinal bool) (statusMapping, bool) {
	if rawStatus == "SUCCESSFUL" {
		if isFinal {
			return statusMapping{status: domain.StatusDelivered}, true
		}
		return statusMapping{status: domain.StatusSending}, true
	}
	mapping, ok := pinpointStatuses[rawStatus]
	return mapping, ok
}

func translatePinpointEvent(provider string, raw []byte, requireTimestamp bool) (*domain.StatusRecord, error) {
	var event pinpointEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, untranslatable(provider, "invalid JSON", err)
	}
	if event.MessageID == "" {
		return nil, untranslatable(provider, "missing messageId", nil)
	}
	if requireTimestamp && event.EventTimestamp == 0 {
		return nil, untranslatable(provider, "missing eventTimestamp", nil)
	}
	mapping, ok := mapPinpointStatus(event.MessageStatus, event.IsFinal)
	if !ok {
		return nil, untranslatable(provider, fmt.Sprintf("unknown messageStatus %q", event.MessageStatus), nil)
	}

	record := &domain.StatusRecord{
		Reference:        event.MessageID,
		Status:           mapping.status,
		StatusReason:     mapping.reason,
		MessageParts:     event.TotalMessageParts,
		Provider:         provider,
		ProviderResponse: event.MessageStatusDescription,
		Carrier:          domain.StringPtr(event.CarrierName),
		CountryCode:      domain.StringPtr(event.ISOCountryCode),
		Encoding:         domain.StringPtr(event.MessageEncoding),
	}
	if event.TotalMessagePrice != nil {
		record.PriceMillicents = domain.DollarsToMillicents(*event.TotalMessagePrice)
	}
	if event.EventTimestamp > 0 {
		record.ProviderUpdatedAt = time.UnixMilli(event.EventTimestamp).UTC()
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		record.Payload = payload
	}
	return record, nil
}

func simulatePinpointEvent(reference, to string, outcome domain.Status) ([]byte, error) {
	price := 0.00581
	event := pinpointEvent{
		EventType:              "TEXT_DELIVERED",
		EventTimestamp:         time.Now().UTC().UnixMilli(),
		IsFinal:                true,
		MessageID:              reference,
		MessageStatus:          "DELIVERED",
		DestinationPhoneNumber: to,
		ISOCountryCode:         "US",
		MessageEncoding:        "GSM",
		TotalMessageParts:      1,
		TotalMessagePrice:      &price,
	}
	switch outcome {
	case domain.StatusTemporaryFailure:
		event.EventType = "TEXT_CARRIER_UNREACHABLE"
		event.MessageStatus = "CARRIER_UNREACHABLE"
	case domain.StatusPermanentFailure:
		event.EventType = "TEXT_INVALID"
		event.MessageStatus = "INVALID"
	}
	return json.Marshal(event)
}

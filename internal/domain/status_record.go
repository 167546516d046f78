package domain

import "time"

// StatusRecord is one provider callback translated into canonical form.
// It is never persisted.
type StatusRecord struct {
	Reference         string
	Status            Status
	StatusReason      string
	MessageParts      int
	PriceMillicents   float64
	Provider          string
	ProviderUpdatedAt time.Time
	ProviderResponse  string
	Carrier           *string
	CountryCode       *string
	Encoding          *string
	Payload           map[string]any
}

// DollarsToMillicents converts a provider price in USD.
func DollarsToMillicents(dollars float64) float64 {
	return dollars * 100_000
}

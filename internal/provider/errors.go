package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrUntranslatableStatus marks a callback payload that cannot be mapped to a
// canonical status. Such payloads are dropped, never retried.
var ErrUntranslatableStatus = errors.New("untranslatable delivery status")

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	// Reason is persisted as the notification status_reason on permanent failure.
	Reason    string
	Transient bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "provider error")

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// FailureReason returns the status reason to persist for a permanent send failure.
func FailureReason(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && strings.TrimSpace(providerErr.Reason) != "" {
		return providerErr.Reason
	}
	return "provider rejected message"
}

// UntranslatableError carries why a payload could not be translated.
type UntranslatableError struct {
	Provider string
	Detail   string
	Cause    error
}

func (e *UntranslatableError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, ErrUntranslatableStatus.Error())
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UntranslatableError) Is(target error) bool {
	return target == ErrUntranslatableStatus
}

func (e *UntranslatableError) Unwrap() error {
	return e.Cause
}

func untranslatable(provider, detail string, cause error) error {
	return &UntranslatableError{Provider: provider, Detail: detail, Cause: cause}
}

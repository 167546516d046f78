package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrNotificationNotFoundRace marks a lookup miss that may still resolve once
	// the creating transaction commits.
	ErrNotificationNotFoundRace = errors.New("notification not found yet")
	ErrMissingRecipient         = errors.New("notification has no recipient")
	ErrNoProviderAvailable      = errors.New("no provider available")
	ErrInvalidProvider          = errors.New("invalid provider")
	ErrProviderNotRegistered    = errors.New("provider client not registered")
)

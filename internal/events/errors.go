package events

import "errors"

var (
	// ErrInvalidEvent is returned when a wire payload does not describe a valid Event.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrMalformedMessage is returned for live feed messages that cannot be used.
	// Callers drop such messages; they never reach the reconciler.
	ErrMalformedMessage = errors.New("malformed live message")

	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

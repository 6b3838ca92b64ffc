package relay

import "errors"

// Domain errors for the relay package.
var (
	// ErrBrokerUnreachable is returned when the subscription could not be
	// issued because the broker is not connected. The subscription stays
	// registered and is issued on the next connect.
	ErrBrokerUnreachable = errors.New("relay: broker unreachable")

	// ErrInvalidOptions is returned by New when a required dependency or
	// timing is missing.
	ErrInvalidOptions = errors.New("relay: invalid options")

	// ErrAlreadyRunning is returned when Run is called on a running Relay.
	ErrAlreadyRunning = errors.New("relay: already running")
)

package serialport

import "errors"

// Domain errors for the serialport package.
var (
	// ErrPortUnavailable is returned when the port is missing, busy, or
	// cannot be configured. Recoverable: the relay retries every tick.
	ErrPortUnavailable = errors.New("serialport: port unavailable")

	// ErrLinkFault is returned when a read or write on an open port fails.
	// The link must be closed and reopened.
	ErrLinkFault = errors.New("serialport: link fault")

	// ErrNotAttached is returned by I/O calls on a link with no open port.
	ErrNotAttached = errors.New("serialport: link not attached")
)

package relay

import "errors"

// Domain errors for the relay package.
//
// ErrDeviceOffline is the named condition collaborators map to a
// user-facing status (e.g. HTTP 503); it is never retried internally.
var (
	// ErrDeviceOffline is returned by point-to-point sends when no
	// identified connection matches the target device.
	ErrDeviceOffline = errors.New("relay: device offline")

	// ErrConnClosed is returned when sending on a connection that has
	// already been torn down.
	ErrConnClosed = errors.New("relay: connection closed")

	// ErrSendBufferFull is returned when a connection's outbound buffer is
	// full (slow client).
	ErrSendBufferFull = errors.New("relay: send buffer full")
)

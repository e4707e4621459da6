package device

import "errors"

// Domain errors for the device package.
var (
	// ErrNotFound is returned when a device identity does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrInvalidDeviceID is returned when a device identifier is empty.
	ErrInvalidDeviceID = errors.New("device: invalid device id")
)

package control

import "errors"

// Domain errors for the control package.
var (
	// ErrNotFound is returned when a command identifier does not exist.
	ErrNotFound = errors.New("control: command not found")

	// ErrInvalidStatus is returned when a resolve carries a status that is
	// not a terminal state.
	ErrInvalidStatus = errors.New("control: invalid status")

	// ErrNoPendingCommand is returned by fallback correlation when no
	// recently sent pending command exists for the device.
	ErrNoPendingCommand = errors.New("control: no pending command to correlate")
)

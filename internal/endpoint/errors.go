package endpoint

import "errors"

// Domain errors for the endpoint package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, endpoint.ErrNotFound) {
//	    // handle unknown endpoint
//	}
var (
	// ErrNotFound is returned when an endpoint identifier does not exist.
	ErrNotFound = errors.New("endpoint: not found")

	// ErrExists is returned when creating an endpoint whose public ID is taken.
	ErrExists = errors.New("endpoint: already exists")

	// ErrInvalidForwardMode is returned when a forward mode value is not recognised.
	ErrInvalidForwardMode = errors.New("endpoint: invalid forward mode")
)

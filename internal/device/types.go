package device

import "time"

// Identity is a persisted record of a device that has identified itself on
// an endpoint. The (endpoint, device identifier) pair is unique; repeated
// identify frames update the existing row.
type Identity struct {
	// ID is the internal durable identifier.
	ID string `json:"id"`

	// EndpointID is the owning endpoint's internal identifier.
	EndpointID string `json:"endpoint_id"`

	// DeviceID is the identifier the device self-reported on the wire.
	DeviceID string `json:"device_id"`

	// CustomName is the optional human-readable display name.
	CustomName *string `json:"custom_name,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DisplayName returns the custom name when set, falling back to the wire identifier.
func (i *Identity) DisplayName() string {
	if i.CustomName != nil && *i.CustomName != "" {
		return *i.CustomName
	}
	return i.DeviceID
}

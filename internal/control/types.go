package control

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a control command.
// Commands transition pending -> {success | failed | timeout} exactly once;
// terminal states never change.
type Status string

// Command statuses.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Command is a unit of point-to-point work dispatched to one device
// connection and resolved by acknowledgement or timeout.
type Command struct {
	// ID is the short random public identifier used for ACK correlation.
	ID string `json:"id"`

	// EndpointID is the owning endpoint's internal identifier.
	EndpointID string `json:"endpoint_id"`

	// DeviceIdentityID is the durable reference to the target device.
	DeviceIdentityID string `json:"device_identity_id"`

	// DeviceID is the wire identifier the device connects with.
	DeviceID string `json:"device_id"`

	// Command is the command type string (e.g. "setLight").
	Command string `json:"command"`

	// Params is the opaque parameter payload forwarded verbatim.
	Params json.RawMessage `json:"params"`

	Status Status `json:"status"`

	// Message carries the optional error/response text.
	Message *string `json:"message,omitempty"`

	SentAt  time.Time  `json:"sent_at"`
	AckedAt *time.Time `json:"acked_at,omitempty"`

	// TimeoutAt is the deadline after which an unacknowledged command
	// transitions to timeout.
	TimeoutAt time.Time `json:"timeout_at"`

	// DurationMS is the round-trip time in milliseconds, derived at read
	// time from acked_at - sent_at. Nil while unresolved.
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// computeDuration fills DurationMS from the ack and send timestamps.
func (c *Command) computeDuration() {
	if c.AckedAt == nil {
		return
	}
	ms := c.AckedAt.Sub(c.SentAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.DurationMS = &ms
}

// Pagination describes one page of a command history query.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// ListFilter narrows a command history query.
type ListFilter struct {
	Page     int
	PageSize int
	Status   *Status
}

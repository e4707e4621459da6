package endpoint

import "time"

// ForwardMode selects how relayed payloads are transformed before broadcast.
type ForwardMode string

// Forwarding modes.
const (
	// ForwardModeDirect passes payloads through unchanged.
	ForwardModeDirect ForwardMode = "DIRECT"

	// ForwardModeJSON normalises payloads into the standard message envelope.
	ForwardModeJSON ForwardMode = "JSON"

	// ForwardModeCustomHeader prepends the endpoint's configured header string
	// to the payload text.
	ForwardModeCustomHeader ForwardMode = "CUSTOM_HEADER"
)

// IsValid reports whether the forward mode is one of the known values.
func (m ForwardMode) IsValid() bool {
	switch m {
	case ForwardModeDirect, ForwardModeJSON, ForwardModeCustomHeader:
		return true
	}
	return false
}

// Endpoint is a named relay channel grouping connections.
//
// Endpoints are provisioned externally (by the excluded management layer);
// the relay core reads them once per connection and caches the record on the
// connection for the session's lifetime.
type Endpoint struct {
	// ID is the internal durable identifier.
	ID string `json:"id"`

	// PublicID is the short identifier clients connect with.
	PublicID string `json:"public_id"`

	// Name is the human-readable endpoint name.
	Name string `json:"name"`

	// ForwardMode selects the payload transformation applied on broadcast.
	ForwardMode ForwardMode `json:"forward_mode"`

	// CustomHeader is the prefix string used only in CUSTOM_HEADER mode.
	CustomHeader *string `json:"custom_header,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats is the per-endpoint statistics read model, kept eventually
// consistent by the batched stats updater.
type Stats struct {
	CurrentConnections int64      `json:"current_connections"`
	TotalConnections   int64      `json:"total_connections"`
	TotalMessages      int64      `json:"total_messages"`
	LastActiveAt       *time.Time `json:"last_active_at,omitempty"`
}

// StatsDelta is one batched update applied to an endpoint's stats row.
type StatsDelta struct {
	// ConnectionDelta is the net change in current connection count.
	ConnectionDelta int64

	// TotalConnections is the increment to the lifetime connection count.
	TotalConnections int64

	// TotalMessages is the increment to the lifetime message count.
	TotalMessages int64

	// Active indicates any message activity occurred, driving the
	// last_active_at timestamp update.
	Active bool
}

// IsZero reports whether the delta carries no changes.
func (d StatsDelta) IsZero() bool {
	return d.ConnectionDelta == 0 && d.TotalConnections == 0 && d.TotalMessages == 0 && !d.Active
}

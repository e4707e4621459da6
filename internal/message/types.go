package message

import "time"

// Record is one relayed message kept for history views.
// Persistence is best-effort; the relay never blocks on it.
type Record struct {
	ID             string    `json:"id"`
	EndpointID     string    `json:"endpoint_id"`
	SenderDeviceID *string   `json:"sender_device_id,omitempty"`
	Payload        string    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

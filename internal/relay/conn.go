package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
)

// connSendBufferSize is the per-connection outbound message buffer size.
const connSendBufferSize = 256

// Conn is one live relay connection.
//
// The lifecycle orchestrator owns the Conn for the duration of the session;
// the Registry only holds references and drops them on teardown. The
// endpoint record is fetched once at connect time and cached here for the
// whole session; configuration changes made mid-session take effect on
// reconnect.
type Conn struct {
	// ID is a per-session identifier used in logs and events.
	ID string

	// UserID is the optional user identity supplied at connect time.
	UserID string

	ws       *websocket.Conn
	endpoint *endpoint.Endpoint
	send     chan []byte

	// identity fields are assigned once the connection identifies itself.
	mu         sync.RWMutex
	deviceID   string
	deviceName string
	identity   *device.Identity

	// alive is the heartbeat liveness flag: set by pong handling, cleared
	// by each probe, checked before the next probe.
	alive atomic.Bool

	// cleaned guards teardown so it executes at most once regardless of
	// which of {close, error, heartbeat timeout} fires first.
	cleaned atomic.Bool

	// closed is set before the send channel is closed.
	closed atomic.Bool
}

// NewConn creates a connection bound to its endpoint record.
// The websocket handle may be nil in tests; sends then only fill the buffer.
func NewConn(ws *websocket.Conn, ep *endpoint.Endpoint, userID string) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		UserID:   userID,
		ws:       ws,
		endpoint: ep,
		send:     make(chan []byte, connSendBufferSize),
	}
	c.alive.Store(true)
	return c
}

// Endpoint returns the endpoint record cached at connect time.
func (c *Conn) Endpoint() *endpoint.Endpoint {
	return c.endpoint
}

// SetIdentity attaches the resolved device identity after an identify frame.
func (c *Conn) SetIdentity(identity *device.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
	c.deviceID = identity.DeviceID
	c.deviceName = identity.DisplayName()
}

// Identity returns the attached device identity, or nil before identification.
func (c *Conn) Identity() *device.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// DeviceID returns the wire device identifier, empty before identification.
func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// DeviceName returns the display name, empty before identification.
func (c *Conn) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceName
}

// Send queues data for delivery on this connection.
//
// Returns ErrConnClosed after teardown and ErrSendBufferFull when the
// client cannot keep up. Both are transport-level send failures from the
// caller's perspective.
func (c *Conn) Send(data []byte) (err error) {
	if c.closed.Load() {
		return ErrConnClosed
	}

	// The send channel can close between the flag check and the send.
	defer func() {
		if recover() != nil {
			err = ErrConnClosed
		}
	}()

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// markAlive refreshes the heartbeat liveness flag.
func (c *Conn) markAlive() {
	c.alive.Store(true)
}

// heartbeatTick clears the liveness flag and reports whether it had been
// refreshed since the previous probe.
func (c *Conn) heartbeatTick() bool {
	return c.alive.Swap(false)
}

// beginCleanup flips the cleanup guard, returning true exactly once.
func (c *Conn) beginCleanup() bool {
	return c.cleaned.CompareAndSwap(false, true)
}

// closeSend marks the connection closed and releases the write pump.
func (c *Conn) closeSend() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.send)
	}
}

package relay

import (
	"encoding/json"
	"sync"
)

// Logger is the logging interface used across the relay package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StatsRecorder receives connection and message events from the hot path.
// Implementations must never block; failures stay internal to the recorder.
type StatsRecorder interface {
	RecordConnect(endpointID string)
	RecordDisconnect(endpointID string)
	RecordMessage(endpointID string)
}

// noopStats discards all events.
type noopStats struct{}

func (noopStats) RecordConnect(string)    {}
func (noopStats) RecordDisconnect(string) {}
func (noopStats) RecordMessage(string)    {}

// Registry is the in-memory bidirectional index from endpoint to live
// connections and from user to live connections.
//
// The maps are the only cross-component shared mutable state in the relay
// core; all access goes through these methods under the registry's lock,
// preserving the no-torn-reads guarantee.
type Registry struct {
	mu         sync.RWMutex
	byEndpoint map[string]map[*Conn]struct{}
	byUser     map[string]map[*Conn]struct{}
	stats      StatsRecorder
	logger     Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		byEndpoint: make(map[string]map[*Conn]struct{}),
		byUser:     make(map[string]map[*Conn]struct{}),
		stats:      noopStats{},
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetStats sets the stats recorder fed by add/remove events.
func (r *Registry) SetStats(stats StatsRecorder) {
	r.stats = stats
}

// Add inserts the connection into its endpoint's set and, when a user
// identity is present, into that user's set. Safe to call redundantly;
// exactly one stats connect event is emitted per effective insertion.
func (r *Registry) Add(c *Conn) {
	endpointID := c.Endpoint().ID

	r.mu.Lock()
	set, ok := r.byEndpoint[endpointID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byEndpoint[endpointID] = set
	}
	_, existed := set[c]
	set[c] = struct{}{}

	if c.UserID != "" {
		userSet, ok := r.byUser[c.UserID]
		if !ok {
			userSet = make(map[*Conn]struct{})
			r.byUser[c.UserID] = userSet
		}
		userSet[c] = struct{}{}
	}
	total := len(set)
	r.mu.Unlock()

	if !existed {
		r.stats.RecordConnect(endpointID)
		r.logger.Debug("connection registered",
			"endpoint_id", endpointID, "conn_id", c.ID, "connections", total)
	}
}

// Remove drops the connection from both indexes, deleting an endpoint's set
// entirely once empty so idle endpoints don't hold memory. Exactly one stats
// disconnect event is emitted per effective removal.
func (r *Registry) Remove(c *Conn) {
	endpointID := c.Endpoint().ID

	r.mu.Lock()
	existed := false
	if set, ok := r.byEndpoint[endpointID]; ok {
		if _, existed = set[c]; existed {
			delete(set, c)
			if len(set) == 0 {
				delete(r.byEndpoint, endpointID)
			}
		}
	}
	if c.UserID != "" {
		if userSet, ok := r.byUser[c.UserID]; ok {
			delete(userSet, c)
			if len(userSet) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
	}
	r.mu.Unlock()

	if existed {
		r.stats.RecordDisconnect(endpointID)
		r.logger.Debug("connection removed",
			"endpoint_id", endpointID, "conn_id", c.ID)
	}
}

// ConnectionsFor returns a snapshot of the endpoint's live connections.
func (r *Registry) ConnectionsFor(endpointID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byEndpoint[endpointID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// DeviceConn finds the endpoint connection whose identified device matches
// deviceID. A linear scan is fine at expected per-endpoint connection
// counts. Returns nil when the device is not connected.
func (r *Registry) DeviceConn(endpointID, deviceID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.byEndpoint[endpointID] {
		if c.DeviceID() == deviceID {
			return c
		}
	}
	return nil
}

// BroadcastToUser serialises the payload once and sends it to each of the
// user's open connections. Individual send failures are logged and skipped.
// Returns the number of successful sends.
func (r *Registry) BroadcastToUser(userID string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to marshal user broadcast", "user_id", userID, "error", err)
		return 0
	}

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			r.logger.Warn("user broadcast send failed",
				"user_id", userID, "conn_id", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ActiveEndpoints returns the number of endpoints with at least one connection.
func (r *Registry) ActiveEndpoints() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEndpoint)
}

// ConnectionCount returns the number of live connections on one endpoint.
func (r *Registry) ConnectionCount(endpointID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEndpoint[endpointID])
}

// TotalConnections returns the number of live connections across all endpoints.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.byEndpoint {
		total += len(set)
	}
	return total
}

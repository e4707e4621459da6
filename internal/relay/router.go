package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/message"
)

// persistTimeout bounds the fire-and-forget message history write.
const persistTimeout = 5 * time.Second

// MessageStore persists relayed messages for history views.
// Writes are best-effort; the router never awaits or surfaces failures.
type MessageStore interface {
	Save(ctx context.Context, rec *message.Record) error
}

// Router transforms inbound payloads per the endpoint's forwarding mode and
// fans them out to every other connection on the endpoint. It also exposes
// the point-to-point send the control protocol rides on.
type Router struct {
	registry *Registry
	store    MessageStore
	stats    StatsRecorder
	logger   Logger
}

// NewRouter creates a message router over the given registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		stats:    noopStats{},
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the router.
func (rt *Router) SetLogger(logger Logger) {
	rt.logger = logger
}

// SetStats sets the stats recorder fed by message events.
func (rt *Router) SetStats(stats StatsRecorder) {
	rt.stats = stats
}

// SetStore sets the optional message history store.
func (rt *Router) SetStore(store MessageStore) {
	rt.store = store
}

// Broadcast transforms raw per the endpoint's forwarding mode, serialises
// once, and delivers to every connection on the endpoint except the sender.
//
// A send failure for one connection is logged and does not abort delivery
// to the rest. Exactly one stats message event is emitted per broadcast,
// regardless of individual send outcomes.
func (rt *Router) Broadcast(ep *endpoint.Endpoint, raw []byte, sender *Conn) {
	if !ep.ForwardMode.IsValid() {
		rt.logger.Warn("unknown forward mode, falling back to JSON",
			"endpoint_id", ep.ID, "mode", string(ep.ForwardMode))
	}
	out := transformPayload(ep, raw, time.Now().UnixMilli())

	rt.persistAsync(ep, raw, sender)

	delivered := 0
	for _, c := range rt.registry.ConnectionsFor(ep.ID) {
		if c == sender {
			continue
		}
		if err := c.Send(out); err != nil {
			rt.logger.Warn("broadcast send failed",
				"endpoint_id", ep.ID, "conn_id", c.ID, "error", err)
			continue
		}
		delivered++
	}

	rt.stats.RecordMessage(ep.ID)

	rt.logger.Debug("broadcast complete",
		"endpoint_id", ep.ID, "recipients", delivered, "bytes", len(out))
}

// SendToDevice delivers a payload to the one identified connection matching
// deviceID on the endpoint. Returns ErrDeviceOffline when no such
// connection exists; a transport-level send failure propagates unchanged.
func (rt *Router) SendToDevice(endpointID, deviceID string, payload []byte) error {
	c := rt.registry.DeviceConn(endpointID, deviceID)
	if c == nil {
		return ErrDeviceOffline
	}
	return c.Send(payload)
}

// persistAsync records the raw payload to the message history store without
// blocking or failing the broadcast.
func (rt *Router) persistAsync(ep *endpoint.Endpoint, raw []byte, sender *Conn) {
	if rt.store == nil {
		return
	}

	rec := &message.Record{
		EndpointID: ep.ID,
		Payload:    string(raw),
	}
	if sender != nil {
		if deviceID := sender.DeviceID(); deviceID != "" {
			rec.SenderDeviceID = &deviceID
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rt.store.Save(ctx, rec); err != nil {
			rt.logger.Warn("message history write failed",
				"endpoint_id", ep.ID, "error", err)
		}
	}()
}

// messageEnvelope is the standard JSON-mode wire shape.
type messageEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// transformPayload applies the endpoint's forwarding mode to a raw payload.
//
//   - DIRECT: pass-through, byte for byte.
//   - JSON: normalise into {type, data, timestamp}; payloads already
//     carrying a type/data shape are re-stamped with the current timestamp
//     rather than double-wrapped; unparsable payloads are wrapped as raw
//     strings rather than rejected.
//   - CUSTOM_HEADER: plain byte concatenation of header and payload text.
//   - Anything else falls back to JSON behaviour (forward compatibility,
//     not an error path).
func transformPayload(ep *endpoint.Endpoint, raw []byte, nowMillis int64) []byte {
	switch ep.ForwardMode {
	case endpoint.ForwardModeDirect:
		return raw

	case endpoint.ForwardModeCustomHeader:
		header := ""
		if ep.CustomHeader != nil {
			header = *ep.CustomHeader
		}
		out := make([]byte, 0, len(header)+len(raw))
		out = append(out, header...)
		out = append(out, raw...)
		return out

	case endpoint.ForwardModeJSON:
		return normalizeJSON(raw, nowMillis)

	default:
		return normalizeJSON(raw, nowMillis)
	}
}

// normalizeJSON produces the standard envelope for JSON-mode forwarding.
func normalizeJSON(raw []byte, nowMillis int64) []byte {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed != nil {
		_, hasType := parsed["type"]
		_, hasData := parsed["data"]
		if hasType && hasData {
			// Pre-normalised; re-stamp with the current timestamp.
			parsed["timestamp"] = nowMillis
			if out, err := json.Marshal(parsed); err == nil {
				return out
			}
			return raw
		}
		out, err := json.Marshal(messageEnvelope{
			Type:      "message",
			Data:      parsed,
			Timestamp: nowMillis,
		})
		if err != nil {
			return raw
		}
		return out
	}

	// Not a JSON object: try other JSON values, fall back to raw string.
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		value = string(raw)
	}
	out, err := json.Marshal(messageEnvelope{
		Type:      "message",
		Data:      value,
		Timestamp: nowMillis,
	})
	if err != nil {
		return raw
	}
	return out
}

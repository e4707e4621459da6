package relay

import (
	"encoding/json"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/mqtt"
)

// Event topics published to the broker, built through the shared topic
// scheme so publishers and external subscribers agree on naming.
var (
	topicConnectionOpened = mqtt.Topics{}.Event("connection", "opened")
	topicConnectionClosed = mqtt.Topics{}.Event("connection", "closed")
	topicDeviceIdentified = mqtt.Topics{}.Event("device", "identified")
	topicCommandSent      = mqtt.Topics{}.Event("command", "sent")
	topicCommandResolved  = mqtt.Topics{}.Event("command", "resolved")
)

// Publisher abstracts the MQTT client for event publishing.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EventPublisher publishes relay lifecycle events to an MQTT broker so
// external systems can observe connections and command outcomes without
// polling the HTTP API.
//
// A nil *EventPublisher is valid and publishes nothing, which lets the
// daemon run with the broker disabled.
type EventPublisher struct {
	pub    Publisher
	logger Logger
}

// NewEventPublisher creates an event publisher over the given broker client.
func NewEventPublisher(pub Publisher, logger Logger) *EventPublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &EventPublisher{pub: pub, logger: logger}
}

// ConnectionOpened publishes a connection-opened event.
func (e *EventPublisher) ConnectionOpened(endpointID, connID, userID string) {
	e.publish(topicConnectionOpened, map[string]any{
		"endpointId":   endpointID,
		"connectionId": connID,
		"userId":       userID,
		"timestamp":    time.Now().UnixMilli(),
	})
}

// ConnectionClosed publishes a connection-closed event with the teardown
// reason.
func (e *EventPublisher) ConnectionClosed(endpointID, connID, reason string) {
	e.publish(topicConnectionClosed, map[string]any{
		"endpointId":   endpointID,
		"connectionId": connID,
		"reason":       reason,
		"timestamp":    time.Now().UnixMilli(),
	})
}

// DeviceIdentified publishes a device-identified event.
func (e *EventPublisher) DeviceIdentified(endpointID, deviceID, customName string) {
	e.publish(topicDeviceIdentified, map[string]any{
		"endpointId": endpointID,
		"deviceId":   deviceID,
		"customName": customName,
		"timestamp":  time.Now().UnixMilli(),
	})
}

// CommandSent publishes a command-dispatched event.
func (e *EventPublisher) CommandSent(commandID, endpointID, deviceID, commandType string) {
	e.publish(topicCommandSent, map[string]any{
		"commandId":  commandID,
		"endpointId": endpointID,
		"deviceId":   deviceID,
		"command":    commandType,
		"timestamp":  time.Now().UnixMilli(),
	})
}

// CommandResolved publishes a command terminal-state event.
func (e *EventPublisher) CommandResolved(commandID, status, message string) {
	e.publish(topicCommandResolved, map[string]any{
		"commandId": commandID,
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
}

// ControlEvents returns an adapter feeding command lifecycle notifications
// into the event publisher.
func (e *EventPublisher) ControlEvents() control.Events {
	return controlEvents{pub: e}
}

type controlEvents struct {
	pub *EventPublisher
}

func (c controlEvents) CommandSent(cmd *control.Command) {
	c.pub.CommandSent(cmd.ID, cmd.EndpointID, cmd.DeviceID, cmd.Command)
}

func (c controlEvents) CommandResolved(commandID string, status control.Status) {
	c.pub.CommandResolved(commandID, string(status), "")
}

// publish serializes and sends one event. Broker failures are logged and
// swallowed; event delivery never affects relay behaviour.
func (e *EventPublisher) publish(topic string, payload map[string]any) {
	if e == nil || e.pub == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("event marshal failed", "topic", topic, "error", err)
		return
	}

	if err := e.pub.Publish(topic, data, 0, false); err != nil {
		e.logger.Warn("event publish failed", "topic", topic, "error", err)
	}
}

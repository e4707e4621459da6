package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/mqtt"
)

// commandDispatchTimeout bounds the lookups and dispatch for one inbound
// broker command.
const commandDispatchTimeout = 5 * time.Second

// Subscriber is the broker subscription surface used by the bridge.
// Implemented by the MQTT client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// CommandSender dispatches control commands to identified devices.
// Implemented by the control service.
type CommandSender interface {
	Send(ctx context.Context, identity *device.Identity, commandType string, params json.RawMessage) (*control.SendResult, error)
}

// bridgeCommand is the payload shape expected on a command topic.
type bridgeCommand struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// CommandBridge lets collaborating systems dispatch device commands over
// the broker instead of the HTTP API. It subscribes to
// relay/commands/{endpointPublicId}/{deviceId}; each message carries a
// command name and optional params, and the outcome surfaces on the event
// feed and the command query routes like any other dispatch.
type CommandBridge struct {
	sub       Subscriber
	endpoints endpoint.Repository
	devices   device.Repository
	commands  CommandSender
	logger    Logger
}

// NewCommandBridge creates a command bridge over the given broker client.
func NewCommandBridge(sub Subscriber, endpoints endpoint.Repository, devices device.Repository, commands CommandSender) *CommandBridge {
	return &CommandBridge{
		sub:       sub,
		endpoints: endpoints,
		devices:   devices,
		commands:  commands,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the bridge.
func (b *CommandBridge) SetLogger(logger Logger) {
	b.logger = logger
}

// Start subscribes to the command topics. QoS 1 so a dispatch survives a
// brief broker hiccup; the downstream ACK protocol absorbs duplicates.
func (b *CommandBridge) Start() error {
	return b.sub.Subscribe(mqtt.Topics{}.AllCommands(), 1, b.handle)
}

// Close removes the command subscription.
func (b *CommandBridge) Close() error {
	return b.sub.Unsubscribe(mqtt.Topics{}.AllCommands())
}

// handle processes one inbound command message. Errors are returned so the
// broker client logs them; a bad message never affects other dispatches.
func (b *CommandBridge) handle(topic string, payload []byte) error {
	publicID, deviceID, err := splitCommandTopic(topic)
	if err != nil {
		return err
	}

	var cmd bridgeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding command payload on %q: %w", topic, err)
	}
	if cmd.Command == "" {
		return fmt.Errorf("command payload on %q missing command field", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandDispatchTimeout)
	defer cancel()

	ep, err := b.endpoints.GetByPublicID(ctx, publicID)
	if err != nil {
		return fmt.Errorf("resolving endpoint %q: %w", publicID, err)
	}

	identity, err := b.devices.Get(ctx, ep.ID, deviceID)
	if err != nil {
		return fmt.Errorf("resolving device %q on endpoint %q: %w", deviceID, publicID, err)
	}

	result, err := b.commands.Send(ctx, identity, cmd.Command, cmd.Params)
	if err != nil {
		return fmt.Errorf("dispatching %q to device %q: %w", cmd.Command, deviceID, err)
	}

	b.logger.Info("broker command dispatched",
		"command_id", result.CommandID,
		"endpoint", publicID,
		"device_id", deviceID,
		"command", cmd.Command,
	)
	return nil
}

// splitCommandTopic extracts the endpoint public identifier and device
// identifier from relay/commands/{endpointPublicId}/{deviceId}.
func splitCommandTopic(topic string) (publicID, deviceID string, err error) {
	rest, ok := strings.CutPrefix(topic, mqtt.TopicPrefixCommands+"/")
	if !ok {
		return "", "", fmt.Errorf("unexpected command topic %q", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed command topic %q", topic)
	}
	return parts[0], parts[1], nil
}

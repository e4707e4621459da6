package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/mqtt"
)

// fakeSubscriber captures the bridge's subscription so tests can feed
// messages straight into the handler.
type fakeSubscriber struct {
	topic        string
	qos          byte
	handler      mqtt.MessageHandler
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.topic = topic
	f.qos = qos
	f.handler = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

type dispatchCall struct {
	identityID string
	command    string
	params     string
}

// fakeCommandSender records dispatches.
type fakeCommandSender struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (f *fakeCommandSender) Send(_ context.Context, identity *device.Identity, commandType string, params json.RawMessage) (*control.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, dispatchCall{
		identityID: identity.ID,
		command:    commandType,
		params:     string(params),
	})
	return &control.SendResult{CommandID: "cmd-1", Status: control.StatusPending}, nil
}

func (f *fakeCommandSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newBridgeFixture(t *testing.T) (*CommandBridge, *fakeSubscriber, *fakeCommandSender) {
	t.Helper()

	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)
	devices := newFakeDeviceRepo()
	if _, err := devices.Upsert(context.Background(), "ep1", "thermostat-1", nil); err != nil {
		t.Fatalf("seeding identity: %v", err)
	}

	sub := &fakeSubscriber{}
	sender := &fakeCommandSender{}
	bridge := NewCommandBridge(sub, &fakeEndpointRepo{ep: ep}, devices, sender)
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return bridge, sub, sender
}

func TestCommandBridgeSubscribesCommandPattern(t *testing.T) {
	bridge, sub, _ := newBridgeFixture(t)

	if sub.topic != "relay/commands/+/+" {
		t.Errorf("subscribed topic = %q, want relay/commands/+/+", sub.topic)
	}
	if sub.qos != 1 {
		t.Errorf("qos = %d, want 1", sub.qos)
	}

	if err := bridge.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(sub.unsubscribed) != 1 || sub.unsubscribed[0] != "relay/commands/+/+" {
		t.Errorf("unsubscribed = %v, want [relay/commands/+/+]", sub.unsubscribed)
	}
}

func TestCommandBridgeDispatches(t *testing.T) {
	_, sub, sender := newBridgeFixture(t)

	topic := mqtt.Topics{}.Command("pub-ep1", "thermostat-1")
	err := sub.handler(topic, []byte(`{"command":"setTemp","params":{"target":21.5}}`))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if sender.callCount() != 1 {
		t.Fatalf("dispatches = %d, want 1", sender.callCount())
	}
	call := sender.calls[0]
	if call.identityID != "ident-thermostat-1" {
		t.Errorf("identity = %q, want ident-thermostat-1", call.identityID)
	}
	if call.command != "setTemp" {
		t.Errorf("command = %q, want setTemp", call.command)
	}
	if call.params != `{"target":21.5}` {
		t.Errorf("params = %s, want {\"target\":21.5}", call.params)
	}
}

func TestCommandBridgeRejectsMalformedTopic(t *testing.T) {
	_, sub, sender := newBridgeFixture(t)

	for _, topic := range []string{
		"relay/commands/pub-ep1",
		"relay/commands//thermostat-1",
		"relay/events/connection/opened",
	} {
		if err := sub.handler(topic, []byte(`{"command":"x"}`)); err == nil {
			t.Errorf("handler(%q) should fail", topic)
		}
	}
	if sender.callCount() != 0 {
		t.Errorf("dispatches = %d, want 0", sender.callCount())
	}
}

func TestCommandBridgeRejectsBadPayload(t *testing.T) {
	_, sub, sender := newBridgeFixture(t)

	topic := mqtt.Topics{}.Command("pub-ep1", "thermostat-1")
	if err := sub.handler(topic, []byte(`not json`)); err == nil {
		t.Error("invalid JSON should fail")
	}
	if err := sub.handler(topic, []byte(`{"params":{}}`)); err == nil {
		t.Error("missing command field should fail")
	}
	if sender.callCount() != 0 {
		t.Errorf("dispatches = %d, want 0", sender.callCount())
	}
}

func TestCommandBridgeUnknownEndpoint(t *testing.T) {
	_, sub, sender := newBridgeFixture(t)

	topic := mqtt.Topics{}.Command("no-such-endpoint", "thermostat-1")
	if err := sub.handler(topic, []byte(`{"command":"setTemp"}`)); err == nil {
		t.Error("unknown endpoint should fail")
	}
	if sender.callCount() != 0 {
		t.Errorf("dispatches = %d, want 0", sender.callCount())
	}
}

func TestCommandBridgeUnidentifiedDevice(t *testing.T) {
	_, sub, sender := newBridgeFixture(t)

	topic := mqtt.Topics{}.Command("pub-ep1", "never-identified")
	if err := sub.handler(topic, []byte(`{"command":"setTemp"}`)); err == nil {
		t.Error("unidentified device should fail")
	}
	if sender.callCount() != 0 {
		t.Errorf("dispatches = %d, want 0", sender.callCount())
	}
}

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/message"
)

// recordingStore captures persisted message records and signals each save.
type recordingStore struct {
	mu      sync.Mutex
	records []*message.Record
	saved   chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{saved: make(chan struct{}, 16)}
}

func (s *recordingStore) Save(_ context.Context, rec *message.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.saved <- struct{}{}
	return nil
}

func (s *recordingStore) waitForSave(t *testing.T) *message.Record {
	t.Helper()
	select {
	case <-s.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message history write")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

// receive pops one queued payload from a connection's send buffer.
func receive(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	default:
		t.Fatal("expected a queued payload, send buffer is empty")
		return nil
	}
}

func TestTransformPayloadDirect(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardModeDirect)
	raw := []byte(`not even json {{{`)

	out := transformPayload(ep, raw, 1000)
	if !bytes.Equal(out, raw) {
		t.Errorf("DIRECT mode altered the payload: %s", out)
	}
}

func TestTransformPayloadCustomHeader(t *testing.T) {
	header := "SENSOR|"
	ep := testEndpoint("ep1", endpoint.ForwardModeCustomHeader)
	ep.CustomHeader = &header

	out := transformPayload(ep, []byte("temp=21.5"), 1000)
	if string(out) != "SENSOR|temp=21.5" {
		t.Errorf("CUSTOM_HEADER output = %q, want SENSOR|temp=21.5", out)
	}
}

func TestTransformPayloadCustomHeaderUnset(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardModeCustomHeader)

	out := transformPayload(ep, []byte("temp=21.5"), 1000)
	if string(out) != "temp=21.5" {
		t.Errorf("missing header should pass the payload through, got %q", out)
	}
}

func TestTransformPayloadJSONWrapsObject(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)

	out := transformPayload(ep, []byte(`{"temp":21.5}`), 1234)

	var env struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if env.Type != "message" {
		t.Errorf("type = %q, want message", env.Type)
	}
	if env.Timestamp != 1234 {
		t.Errorf("timestamp = %d, want 1234", env.Timestamp)
	}
	var data map[string]float64
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data is not the original object: %v", err)
	}
	if data["temp"] != 21.5 {
		t.Errorf("data.temp = %v, want 21.5", data["temp"])
	}
}

func TestTransformPayloadJSONRestampsEnvelope(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)

	// Already enveloped: must not be double-wrapped, only re-stamped.
	raw := []byte(`{"type":"reading","data":{"temp":21.5},"timestamp":1}`)
	out := transformPayload(ep, raw, 9999)

	var env struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if env.Type != "reading" {
		t.Errorf("type = %q, want original type preserved", env.Type)
	}
	if env.Timestamp != 9999 {
		t.Errorf("timestamp = %d, want re-stamped 9999", env.Timestamp)
	}
}

func TestTransformPayloadJSONNonJSONFallsBack(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)

	out := transformPayload(ep, []byte("plain text"), 1234)

	var env struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if env.Data != "plain text" {
		t.Errorf("data = %q, want the raw text as a string", env.Data)
	}
}

func TestTransformPayloadUnknownModeFallsBackToJSON(t *testing.T) {
	ep := testEndpoint("ep1", endpoint.ForwardMode("BROADCAST"))

	out := transformPayload(ep, []byte(`{"a":1}`), 1234)
	var env map[string]any
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("fallback output is not valid JSON: %v", err)
	}
	if env["type"] != "message" {
		t.Errorf("type = %v, want message envelope for unknown mode", env["type"])
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)

	ep := testEndpoint("ep1", endpoint.ForwardModeDirect)
	sender := NewConn(nil, ep, "")
	peer1 := NewConn(nil, ep, "")
	peer2 := NewConn(nil, ep, "")
	reg.Add(sender)
	reg.Add(peer1)
	reg.Add(peer2)

	rt.Broadcast(ep, []byte("hello"), sender)

	if string(receive(t, peer1)) != "hello" {
		t.Error("peer1 should receive the payload")
	}
	if string(receive(t, peer2)) != "hello" {
		t.Error("peer2 should receive the payload")
	}
	if len(sender.send) != 0 {
		t.Error("sender must not receive its own broadcast")
	}
}

func TestBroadcastRecordsOneMessageEvent(t *testing.T) {
	reg := NewRegistry()
	stats := &recordingStats{}
	rt := NewRouter(reg)
	rt.SetStats(stats)

	ep := testEndpoint("ep1", endpoint.ForwardModeDirect)
	sender := NewConn(nil, ep, "")
	reg.Add(sender)
	for i := 0; i < 3; i++ {
		reg.Add(NewConn(nil, ep, ""))
	}

	rt.Broadcast(ep, []byte("hello"), sender)

	_, _, messages := stats.counts()
	if messages != 1 {
		t.Errorf("message events = %d, want exactly 1 per broadcast", messages)
	}
}

func TestBroadcastContinuesPastClosedConn(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)

	ep := testEndpoint("ep1", endpoint.ForwardModeDirect)
	sender := NewConn(nil, ep, "")
	closed := NewConn(nil, ep, "")
	open := NewConn(nil, ep, "")
	reg.Add(sender)
	reg.Add(closed)
	reg.Add(open)
	closed.closeSend()

	rt.Broadcast(ep, []byte("hello"), sender)

	if string(receive(t, open)) != "hello" {
		t.Error("open peer should still receive despite another conn being closed")
	}
}

func TestBroadcastPersistsHistory(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)
	store := newRecordingStore()
	rt.SetStore(store)

	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)
	sender := NewConn(nil, ep, "")
	identify(sender, "ident-1", "dev-a")
	reg.Add(sender)

	rt.Broadcast(ep, []byte(`{"temp":21.5}`), sender)

	rec := store.waitForSave(t)
	if rec.EndpointID != "ep1" {
		t.Errorf("EndpointID = %q, want ep1", rec.EndpointID)
	}
	if rec.Payload != `{"temp":21.5}` {
		t.Errorf("Payload = %q, want the raw pre-transform payload", rec.Payload)
	}
	if rec.SenderDeviceID == nil || *rec.SenderDeviceID != "dev-a" {
		t.Errorf("SenderDeviceID = %v, want dev-a", rec.SenderDeviceID)
	}
}

func TestBroadcastPersistsAnonymousSender(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)
	store := newRecordingStore()
	rt.SetStore(store)

	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)
	sender := NewConn(nil, ep, "")
	reg.Add(sender)

	rt.Broadcast(ep, []byte("hi"), sender)

	rec := store.waitForSave(t)
	if rec.SenderDeviceID != nil {
		t.Errorf("SenderDeviceID = %v, want nil for an unidentified sender", rec.SenderDeviceID)
	}
}

func TestSendToDevice(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)

	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)
	target := NewConn(nil, ep, "")
	identify(target, "ident-1", "dev-a")
	reg.Add(target)

	if err := rt.SendToDevice("ep1", "dev-a", []byte("cmd")); err != nil {
		t.Fatalf("SendToDevice failed: %v", err)
	}
	if string(receive(t, target)) != "cmd" {
		t.Error("target should have the command queued")
	}
}

func TestSendToDeviceOffline(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)

	err := rt.SendToDevice("ep1", "dev-a", []byte("cmd"))
	if !errors.Is(err, ErrDeviceOffline) {
		t.Errorf("expected ErrDeviceOffline, got %v", err)
	}
}

func TestSendToDeviceClosedConn(t *testing.T) {
	reg := NewRegistry()
	rt := NewRouter(reg)

	ep := testEndpoint("ep1", endpoint.ForwardModeJSON)
	target := NewConn(nil, ep, "")
	identify(target, "ident-1", "dev-a")
	reg.Add(target)
	target.closeSend()

	err := rt.SendToDevice("ep1", "dev-a", []byte("cmd"))
	if !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
}

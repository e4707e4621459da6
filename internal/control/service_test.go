package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
)

// fakeRepo is an in-memory Repository for service tests.
type fakeRepo struct {
	mu       sync.Mutex
	commands map[string]*Command
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{commands: make(map[string]*Command)}
}

func (r *fakeRepo) Create(_ context.Context, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *cmd
	r.commands[cmd.ID] = &clone
	return nil
}

func (r *fakeRepo) ResolveIfPending(_ context.Context, id string, status Status, message *string, ackedAt *time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok || cmd.Status != StatusPending {
		return false, nil
	}
	cmd.Status = status
	cmd.Message = message
	cmd.AckedAt = ackedAt
	return true, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cmd
	return &clone, nil
}

func (r *fakeRepo) FindRecentPending(_ context.Context, deviceIdentityID string, since time.Time) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Command
	for _, cmd := range r.commands {
		if cmd.DeviceIdentityID != deviceIdentityID || cmd.Status != StatusPending {
			continue
		}
		if cmd.SentAt.Before(since) {
			continue
		}
		if best == nil || cmd.SentAt.After(best.SentAt) {
			best = cmd
		}
	}
	if best == nil {
		return nil, ErrNoPendingCommand
	}
	clone := *best
	return &clone, nil
}

func (r *fakeRepo) ListForDevice(_ context.Context, deviceIdentityID string, _ ListFilter) ([]Command, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Command
	for _, cmd := range r.commands {
		if cmd.DeviceIdentityID == deviceIdentityID {
			out = append(out, *cmd)
		}
	}
	return out, len(out), nil
}

func (r *fakeRepo) status(t *testing.T, id string) Status {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		t.Fatalf("command %s not found in fake repo", id)
	}
	return cmd.Status
}

// fakeSender captures dispatched frames and can simulate an offline device.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *fakeSender) SendToDevice(_, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *fakeSender) lastFrame(t *testing.T) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		t.Fatal("no frame was dispatched")
	}
	return s.frames[len(s.frames)-1]
}

func testIdentity() *device.Identity {
	return &device.Identity{
		ID:         "ident-1",
		EndpointID: "ep1",
		DeviceID:   "dev-a",
	}
}

func TestSendDispatchesControlFrame(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 5*time.Second)
	defer svc.Close()

	result, err := svc.Send(context.Background(), testIdentity(), "setLight", []byte(`{"on":true}`))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.Status != StatusPending {
		t.Errorf("Status = %q, want %q", result.Status, StatusPending)
	}
	if len(result.CommandID) != commandIDBytes*2 {
		t.Errorf("CommandID %q should be %d hex characters", result.CommandID, commandIDBytes*2)
	}

	var frame struct {
		Type      string          `json:"type"`
		CommandID string          `json:"commandId"`
		DeviceID  string          `json:"deviceId"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(sender.lastFrame(t), &frame); err != nil {
		t.Fatalf("failed to decode dispatched frame: %v", err)
	}
	if frame.Type != "control" {
		t.Errorf("frame type = %q, want control", frame.Type)
	}
	if frame.CommandID != result.CommandID {
		t.Errorf("frame commandId = %q, want %q", frame.CommandID, result.CommandID)
	}
	if frame.DeviceID != "dev-a" {
		t.Errorf("frame deviceId = %q, want dev-a", frame.DeviceID)
	}
	if string(frame.Params) != `{"on":true}` {
		t.Errorf("frame params = %s, want {\"on\":true}", frame.Params)
	}
	if frame.Timestamp == 0 {
		t.Error("frame timestamp should be set")
	}

	if got := repo.status(t, result.CommandID); got != StatusPending {
		t.Errorf("persisted status = %q, want pending", got)
	}
}

func TestSendDefaultsEmptyParams(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 5*time.Second)
	defer svc.Close()

	result, err := svc.Send(context.Background(), testIdentity(), "reboot", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	cmd, err := repo.GetByID(context.Background(), result.CommandID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if string(cmd.Params) != "{}" {
		t.Errorf("Params = %s, want {}", cmd.Params)
	}
}

func TestSendOfflineDeviceMarksFailed(t *testing.T) {
	repo := newFakeRepo()
	offline := errors.New("relay: device not connected")
	sender := &fakeSender{err: offline}
	svc := NewService(repo, sender, 5*time.Second)
	defer svc.Close()

	_, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if !errors.Is(err, offline) {
		t.Fatalf("expected send error to propagate, got %v", err)
	}

	// The persisted record must be terminal even though the send never left.
	repo.mu.Lock()
	var found *Command
	for _, cmd := range repo.commands {
		found = cmd
	}
	repo.mu.Unlock()

	if found == nil {
		t.Fatal("command record was not persisted")
	}
	if found.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", found.Status)
	}
	if found.Message == nil || *found.Message != offline.Error() {
		t.Errorf("Message = %v, want send error text", found.Message)
	}
}

func TestCommandIDUniqueness(t *testing.T) {
	seen := make(map[string]bool, 10_000)
	for i := 0; i < 10_000; i++ {
		id := newCommandID()
		if len(id) != commandIDBytes*2 {
			t.Fatalf("id %q has length %d, want %d", id, len(id), commandIDBytes*2)
		}
		if seen[id] {
			t.Fatalf("duplicate command id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestResolveSuccess(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 5*time.Second)
	defer svc.Close()

	result, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := "ok"
	if err := svc.Resolve(context.Background(), result.CommandID, StatusSuccess, &msg); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := repo.status(t, result.CommandID); got != StatusSuccess {
		t.Errorf("status = %q, want success", got)
	}
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeSender{}, 5*time.Second)
	defer svc.Close()

	if err := svc.Resolve(context.Background(), "cmd-1", StatusPending, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for pending, got %v", err)
	}

	// Timeout is reserved for the internal timer path; an ACK cannot claim it.
	if err := svc.Resolve(context.Background(), "cmd-1", StatusTimeout, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for timeout, got %v", err)
	}
}

func TestResolveAfterTimeoutIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 20*time.Millisecond)
	defer svc.Close()

	result, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for repo.status(t, result.CommandID) == StatusPending {
		if time.Now().After(deadline) {
			t.Fatal("timer did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := repo.status(t, result.CommandID); got != StatusTimeout {
		t.Fatalf("status = %q, want timeout", got)
	}

	// The late ACK arrives after the timer won the race.
	if err := svc.Resolve(context.Background(), result.CommandID, StatusSuccess, nil); err != nil {
		t.Fatalf("late Resolve should not error: %v", err)
	}
	if got := repo.status(t, result.CommandID); got != StatusTimeout {
		t.Errorf("status = %q, want timeout to remain terminal", got)
	}
}

func TestResolveBeforeTimeoutWins(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 50*time.Millisecond)
	defer svc.Close()

	result, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := svc.Resolve(context.Background(), result.CommandID, StatusSuccess, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Give the (cancelled) timer window time to elapse; the status must hold.
	time.Sleep(120 * time.Millisecond)
	if got := repo.status(t, result.CommandID); got != StatusSuccess {
		t.Errorf("status = %q, want success after ACK beat the timer", got)
	}
}

func TestResolveFallback(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 5*time.Second)
	defer svc.Close()

	first, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := svc.Send(context.Background(), testIdentity(), "setTemp", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// An ACK without a command id correlates to the newest pending command.
	if err := svc.ResolveFallback(context.Background(), "ident-1", StatusSuccess, nil); err != nil {
		t.Fatalf("ResolveFallback failed: %v", err)
	}
	if got := repo.status(t, second.CommandID); got != StatusSuccess {
		t.Errorf("newest command status = %q, want success", got)
	}
	if got := repo.status(t, first.CommandID); got != StatusPending {
		t.Errorf("older command status = %q, want pending", got)
	}
}

func TestResolveFallbackNoPending(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeSender{}, 5*time.Second)
	defer svc.Close()

	err := svc.ResolveFallback(context.Background(), "ident-1", StatusSuccess, nil)
	if !errors.Is(err, ErrNoPendingCommand) {
		t.Errorf("expected ErrNoPendingCommand, got %v", err)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	svc := NewService(repo, sender, 30*time.Millisecond)

	result, err := svc.Send(context.Background(), testIdentity(), "setLight", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	svc.Close()

	time.Sleep(80 * time.Millisecond)
	if got := repo.status(t, result.CommandID); got != StatusPending {
		t.Errorf("status = %q, want pending after Close stopped the timer", got)
	}
}

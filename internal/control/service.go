package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
)

// DeviceSender delivers a point-to-point payload to one identified device
// connection. Implemented by the relay router; kept as an interface here to
// avoid a dependency cycle and to allow test fakes.
type DeviceSender interface {
	SendToDevice(endpointID, deviceID string, payload []byte) error
}

// Logger is the logging interface used by the Service.
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

// Events receives command lifecycle notifications for the external event
// feed. Publish failures must be handled by the implementation; calls are
// best-effort.
type Events interface {
	CommandSent(cmd *Command)
	CommandResolved(commandID string, status Status)
}

// noopEvents discards all notifications.
type noopEvents struct{}

func (noopEvents) CommandSent(*Command)           {}
func (noopEvents) CommandResolved(string, Status) {}

// commandIDBytes is the number of random bytes in a generated command
// identifier (12 hex characters). Collision probability is negligible at
// expected command volume, so there is no uniqueness retry loop.
const commandIDBytes = 6

// SendResult is returned synchronously from Send; the protocol outcome
// (success, failed, timeout) resolves asynchronously.
type SendResult struct {
	CommandID string    `json:"command_id"`
	Status    Status    `json:"status"`
	SentAt    time.Time `json:"sent_at"`
}

// controlFrame is the wire message dispatched to the device.
type controlFrame struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId"`
	DeviceID  string          `json:"deviceId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	Timestamp int64           `json:"timestamp"`
}

// Service issues control commands to device connections, persists their
// state, arms per-command timeout timers, and reconciles acknowledgements.
//
// All methods are safe for concurrent use. The single resolve path is made
// idempotent by the repository's pending-only update, so the ACK path and
// the timer path cannot both win.
type Service struct {
	repo    Repository
	sender  DeviceSender
	timeout time.Duration
	logger  Logger
	events  Events

	// timers holds the armed timeout timer per in-flight command.
	timers map[string]*time.Timer
	mu     sync.Mutex
}

// NewService creates a control command service.
// timeout is the acknowledgement window armed for every dispatched command.
func NewService(repo Repository, sender DeviceSender, timeout time.Duration) *Service {
	return &Service{
		repo:    repo,
		sender:  sender,
		timeout: timeout,
		logger:  noopLogger{},
		events:  noopEvents{},
		timers:  make(map[string]*time.Timer),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetEvents sets the lifecycle event sink for the service.
func (s *Service) SetEvents(events Events) {
	s.events = events
}

// Send dispatches a command to the identified device.
//
// The command record is persisted as pending before the wire send. A send
// failure (device offline, transport error) marks the command failed
// immediately and re-raises the error; a successful send arms the timeout
// timer and returns synchronously.
func (s *Service) Send(ctx context.Context, identity *device.Identity, commandType string, params json.RawMessage) (*SendResult, error) {
	if len(params) == 0 {
		params = []byte("{}")
	}

	now := time.Now().UTC()
	cmd := &Command{
		ID:               newCommandID(),
		EndpointID:       identity.EndpointID,
		DeviceIdentityID: identity.ID,
		DeviceID:         identity.DeviceID,
		Command:          commandType,
		Params:           params,
		Status:           StatusPending,
		SentAt:           now,
		TimeoutAt:        now.Add(s.timeout),
	}

	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persisting command: %w", err)
	}

	frame, err := json.Marshal(controlFrame{
		Type:      "control",
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Params:    cmd.Params,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding control frame: %w", err)
	}

	if sendErr := s.sender.SendToDevice(cmd.EndpointID, cmd.DeviceID, frame); sendErr != nil {
		msg := sendErr.Error()
		if _, resolveErr := s.repo.ResolveIfPending(ctx, cmd.ID, StatusFailed, &msg, nil); resolveErr != nil {
			s.logger.Error("failed to mark command failed",
				"command_id", cmd.ID, "error", resolveErr)
		}
		return nil, sendErr
	}

	s.armTimeout(cmd.ID)
	s.events.CommandSent(cmd)

	s.logger.Debug("control command dispatched",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
	)

	return &SendResult{
		CommandID: cmd.ID,
		Status:    cmd.Status,
		SentAt:    cmd.SentAt,
	}, nil
}

// Resolve transitions a command to a terminal status from an explicit
// acknowledgement. Safe to call after the timeout already fired; the
// storage-level pending guard makes the late arrival a no-op.
func (s *Service) Resolve(ctx context.Context, commandID string, status Status, msg *string) error {
	if status != StatusSuccess && status != StatusFailed {
		return ErrInvalidStatus
	}

	now := time.Now().UTC()
	updated, err := s.repo.ResolveIfPending(ctx, commandID, status, msg, &now)
	if err != nil {
		return err
	}

	s.cancelTimeout(commandID)

	if !updated {
		s.logger.Debug("resolve on already-terminal command ignored", "command_id", commandID)
		return nil
	}

	s.events.CommandResolved(commandID, status)
	s.logger.Debug("control command resolved", "command_id", commandID, "status", status)
	return nil
}

// ResolveFallback correlates an acknowledgement that omitted the command
// identifier: the most recently sent pending command for the device within
// the acknowledgement window is resolved. When nothing matches the ACK is
// dropped with a log line only; no caller waits synchronously for it.
func (s *Service) ResolveFallback(ctx context.Context, deviceIdentityID string, status Status, msg *string) error {
	since := time.Now().UTC().Add(-s.timeout)
	cmd, err := s.repo.FindRecentPending(ctx, deviceIdentityID, since)
	if err != nil {
		return err
	}
	return s.Resolve(ctx, cmd.ID, status, msg)
}

// GetByID retrieves a command by its public identifier.
func (s *Service) GetByID(ctx context.Context, commandID string) (*Command, error) {
	return s.repo.GetByID(ctx, commandID)
}

// ListForDevice retrieves a device's command history, newest first, with
// the round-trip duration derived at read time.
func (s *Service) ListForDevice(ctx context.Context, deviceIdentityID string, filter ListFilter) ([]Command, *Pagination, error) {
	commands, total, err := s.repo.ListForDevice(ctx, deviceIdentityID, filter)
	if err != nil {
		return nil, nil, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return commands, &Pagination{Page: page, PageSize: pageSize, Total: total}, nil
}

// Close cancels all armed timeout timers. Pending commands are left as-is;
// a restart resolves them through the timeout sweep of history queries.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// armTimeout schedules the timeout transition for a dispatched command.
func (s *Service) armTimeout(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[commandID] = time.AfterFunc(s.timeout, func() {
		s.handleTimeout(commandID)
	})
}

// cancelTimeout stops and discards the timer for a command, if armed.
func (s *Service) cancelTimeout(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[commandID]; ok {
		timer.Stop()
		delete(s.timers, commandID)
	}
}

// handleTimeout fires when a command's acknowledgement window elapses.
// The pending-only update means a command resolved early is untouched.
func (s *Service) handleTimeout(commandID string) {
	s.mu.Lock()
	delete(s.timers, commandID)
	s.mu.Unlock()

	msg := fmt.Sprintf("no acknowledgement within %s", s.timeout)
	updated, err := s.repo.ResolveIfPending(context.Background(), commandID, StatusTimeout, &msg, nil)
	if err != nil {
		s.logger.Error("failed to time out command", "command_id", commandID, "error", err)
		return
	}

	if updated {
		s.events.CommandResolved(commandID, StatusTimeout)
		s.logger.Info("control command timed out", "command_id", commandID)
	}
}

// newCommandID generates a short random public command identifier.
func newCommandID() string {
	b := make([]byte, commandIDBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

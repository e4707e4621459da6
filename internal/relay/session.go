package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
)

// writeWait bounds a single websocket write, including the close frame
// sent during teardown.
const writeWait = 10 * time.Second

// SessionConfig carries the transport tuning knobs for client sessions.
type SessionConfig struct {
	// MaxMessageSize is the inbound frame size limit in bytes.
	MaxMessageSize int64

	// PingInterval is the server ping cadence; each tick also checks
	// whether the client responded since the previous probe.
	PingInterval time.Duration

	// PongTimeout is the write/read grace applied around ping frames.
	PongTimeout time.Duration
}

// SessionManager owns the websocket connection lifecycle: endpoint
// validation, registration, the read/write pumps, inbound frame
// classification and the idempotent teardown path.
type SessionManager struct {
	cfg       SessionConfig
	endpoints endpoint.Repository
	devices   device.Repository
	registry  *Registry
	router    *Router
	commands  *control.Service
	events    *EventPublisher
	logger    Logger
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionConfig, endpoints endpoint.Repository, devices device.Repository, registry *Registry, router *Router, commands *control.Service) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		endpoints: endpoints,
		devices:   devices,
		registry:  registry,
		router:    router,
		commands:  commands,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the session manager.
func (m *SessionManager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetEvents sets the optional lifecycle event publisher.
func (m *SessionManager) SetEvents(events *EventPublisher) {
	m.events = events
}

// systemFrame is a server-originated notification sent to one client.
type systemFrame struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// systemError builds the error frame sent before a close.
func systemError(msg string) []byte {
	frame, _ := json.Marshal(systemFrame{
		Type:      "system",
		Level:     "error",
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
	return frame
}

// identifiedFrame confirms a processed identify request.
type identifiedFrame struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	CustomName string `json:"customName,omitempty"`
}

// clientFrame is the decoded shape of an inbound structured message. Only
// the fields relevant to classification are parsed; everything else rides
// through untouched in the raw payload.
type clientFrame struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"deviceId"`
	DeviceName *string         `json:"deviceName"`
	CommandID  string          `json:"commandId"`
	Status     string          `json:"status"`
	Message    *string         `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// HandleConnection validates the requested endpoint and runs the session
// until the connection ends. It blocks for the lifetime of the connection;
// the HTTP handler's goroutine becomes the read pump.
func (m *SessionManager) HandleConnection(ctx context.Context, ws *websocket.Conn, publicID, userID string) {
	ep, err := m.endpoints.GetByPublicID(ctx, publicID)
	if err != nil {
		m.rejectConnection(ws, publicID, err)
		return
	}

	conn := NewConn(ws, ep, userID)
	m.registry.Add(conn)
	m.events.ConnectionOpened(ep.ID, conn.ID, userID)

	m.logger.Info("connection opened",
		"endpoint", ep.PublicID, "connection_id", conn.ID, "user_id", userID)

	go m.writePump(conn)
	m.readPump(ctx, conn)
}

// rejectConnection tells the client why the endpoint lookup failed and
// closes the socket before a session ever starts.
func (m *SessionManager) rejectConnection(ws *websocket.Conn, publicID string, err error) {
	msg := "endpoint lookup failed"
	if errors.Is(err, endpoint.ErrNotFound) {
		msg = "unknown endpoint"
	} else {
		m.logger.Error("endpoint lookup failed", "endpoint", publicID, "error", err)
	}

	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, systemError(msg))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
	_ = ws.Close()
}

// readPump reads frames until the connection errors or the context ends,
// then runs teardown. Pong frames refresh the liveness flag consumed by
// the write pump's heartbeat probe.
func (m *SessionManager) readPump(ctx context.Context, conn *Conn) {
	defer m.teardown(conn, "read loop ended")

	conn.ws.SetReadLimit(m.cfg.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.markAlive()
		return conn.ws.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PongTimeout))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("read error",
					"connection_id", conn.ID, "error", err)
			}
			return
		}

		conn.markAlive()
		m.classify(ctx, conn, raw)
	}
}

// writePump drains the connection's send queue and drives the heartbeat.
// A ping tick that finds the liveness flag unset means the client missed a
// full probe cycle, so the session is torn down.
func (m *SessionManager) writePump(conn *Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				m.teardown(conn, "write failed")
				return
			}

		case <-ticker.C:
			if !conn.heartbeatTick() {
				m.teardown(conn, "heartbeat timeout")
				return
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(m.cfg.PongTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.teardown(conn, "ping failed")
				return
			}
		}
	}
}

// classify routes one inbound frame: identify and control_ack frames are
// handled by the server, everything else is relayed to the endpoint's
// other connections.
func (m *SessionManager) classify(ctx context.Context, conn *Conn, raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err == nil {
		switch frame.Type {
		case "identify":
			m.handleIdentify(ctx, conn, frame)
			return
		case "control_ack":
			m.handleControlAck(ctx, conn, frame)
			return
		}
	}

	m.router.Broadcast(conn.Endpoint(), raw, conn)
}

// handleIdentify binds a device identity to the connection and confirms
// to the client. Identify frames are not relayed.
func (m *SessionManager) handleIdentify(ctx context.Context, conn *Conn, frame clientFrame) {
	ep := conn.Endpoint()

	identity, err := m.devices.Upsert(ctx, ep.ID, frame.DeviceID, frame.DeviceName)
	if err != nil {
		m.logger.Warn("identify failed",
			"endpoint", ep.PublicID, "device_id", frame.DeviceID, "error", err)
		m.sendSystemError(conn, "identify failed")
		return
	}

	conn.SetIdentity(identity)
	m.events.DeviceIdentified(ep.ID, identity.DeviceID, identity.DisplayName())

	reply, _ := json.Marshal(identifiedFrame{
		Type:       "identified",
		DeviceID:   identity.DeviceID,
		CustomName: identity.DisplayName(),
	})
	if err := conn.Send(reply); err != nil {
		m.logger.Debug("identified reply dropped",
			"connection_id", conn.ID, "error", err)
	}
}

// handleControlAck resolves a pending command. Frames carrying a command
// identifier resolve directly; frames without one fall back to the most
// recent pending command for the connection's identified device.
func (m *SessionManager) handleControlAck(ctx context.Context, conn *Conn, frame clientFrame) {
	status := control.Status(frame.Status)

	var err error
	if frame.CommandID != "" {
		err = m.commands.Resolve(ctx, frame.CommandID, status, frame.Message)
	} else {
		identity := conn.Identity()
		if identity == nil {
			m.logger.Debug("control ack without command id from unidentified connection",
				"connection_id", conn.ID)
			return
		}
		err = m.commands.ResolveFallback(ctx, identity.ID, status, frame.Message)
	}

	if err != nil {
		// Late or duplicate ACKs are expected traffic, not faults.
		m.logger.Debug("control ack not applied",
			"connection_id", conn.ID,
			"command_id", frame.CommandID, "error", err)
	}
}

// sendSystemError delivers a server error frame to one client.
func (m *SessionManager) sendSystemError(conn *Conn, msg string) {
	if err := conn.Send(systemError(msg)); err != nil {
		m.logger.Debug("system error frame dropped",
			"connection_id", conn.ID, "error", err)
	}
}

// teardown releases everything a session holds. Safe to call from both
// pumps and any error path; only the first caller performs the work.
func (m *SessionManager) teardown(conn *Conn, reason string) {
	if !conn.beginCleanup() {
		return
	}

	ep := conn.Endpoint()

	conn.closeSend()
	m.registry.Remove(conn)
	m.events.ConnectionClosed(ep.ID, conn.ID, reason)
	_ = conn.ws.Close()

	m.logger.Info("connection closed",
		"endpoint", ep.PublicID, "connection_id", conn.ID, "reason", reason)
}

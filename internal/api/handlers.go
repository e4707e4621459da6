package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/relay"
)

// handleRegistryStats returns live registry totals for the whole daemon.
func (s *Server) handleRegistryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_endpoints":  s.registry.ActiveEndpoints(),
		"total_connections": s.registry.TotalConnections(),
	})
}

// handleEndpointStats returns the persisted statistics read model for an
// endpoint. Counters lag live activity by at most one flush interval.
func (s *Server) handleEndpointStats(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}

	stats, err := s.endpoints.GetStats(r.Context(), ep.ID)
	if err != nil {
		s.logger.Error("endpoint stats query failed", "endpoint", ep.PublicID, "error", err)
		writeInternalError(w, "failed to read endpoint stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// connectionView is the JSON shape of one live connection.
type connectionView struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
}

// handleEndpointConnections lists the endpoint's live connections.
func (s *Server) handleEndpointConnections(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}

	conns := s.registry.ConnectionsFor(ep.ID)
	views := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, connectionView{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			DeviceID:     c.DeviceID(),
			DeviceName:   c.DeviceName(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connections": views,
		"count":       len(views),
	})
}

// deviceIdentityView is the JSON shape of one known device identity.
type deviceIdentityView struct {
	device.Identity
	Online bool `json:"online"`
}

// handleEndpointDevices lists every identity seen on the endpoint with its
// current connectivity.
func (s *Server) handleEndpointDevices(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}

	identities, err := s.devices.ListForEndpoint(r.Context(), ep.ID)
	if err != nil {
		s.logger.Error("device listing failed", "endpoint", ep.PublicID, "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	views := make([]deviceIdentityView, 0, len(identities))
	for _, identity := range identities {
		views = append(views, deviceIdentityView{
			Identity: identity,
			Online:   s.registry.DeviceConn(ep.ID, identity.DeviceID) != nil,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleEndpointMessages lists recently relayed messages for an endpoint.
func (s *Server) handleEndpointMessages(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.messages.ListForEndpoint(r.Context(), ep.ID, limit)
	if err != nil {
		s.logger.Error("message query failed", "endpoint", ep.PublicID, "error", err)
		writeInternalError(w, "failed to read messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": records,
		"count":    len(records),
	})
}

// handleDeviceStatus reports whether a device is currently connected, with
// its stored identity when one exists.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "deviceID")

	online := s.registry.DeviceConn(ep.ID, deviceID) != nil

	resp := map[string]any{
		"device_id": deviceID,
		"online":    online,
	}

	identity, err := s.devices.Get(r.Context(), ep.ID, deviceID)
	switch {
	case err == nil:
		resp["identity"] = identity
	case errors.Is(err, device.ErrNotFound):
		// Device has connected anonymously or never; status alone is fine.
	default:
		s.logger.Error("device lookup failed", "endpoint", ep.PublicID, "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to read device identity")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// sendCommandRequest is the body for POST .../commands.
type sendCommandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// handleSendCommand dispatches a control command to a connected device.
//
// Responds 202 with the command identifier; the outcome (success, failed,
// timeout) resolves asynchronously and is read back via the command routes.
// An offline device yields 503 so callers can retry.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookupEndpoint(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "deviceID")

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}

	identity, err := s.devices.Get(r.Context(), ep.ID, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device has not identified on this endpoint")
			return
		}
		s.logger.Error("device lookup failed", "endpoint", ep.PublicID, "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to read device identity")
		return
	}

	result, err := s.commands.Send(r.Context(), identity, req.Command, req.Params)
	if err != nil {
		if errors.Is(err, relay.ErrDeviceOffline) {
			writeDeviceOffline(w, "device is not connected")
			return
		}
		s.logger.Error("command dispatch failed",
			"endpoint", ep.PublicID, "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to dispatch command")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": result.CommandID,
		"status":     result.Status,
		"sent_at":    result.SentAt,
	})
}

// handleDeviceCommands returns a device's command history, newest first.
// The route is keyed by the durable identity identifier; the response
// resolves it back to the endpoint's public identifier and wire device id.
func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")

	identity, err := s.devices.GetByID(r.Context(), identityID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "unknown device identity")
			return
		}
		s.logger.Error("identity lookup failed", "identity_id", identityID, "error", err)
		writeInternalError(w, "failed to read device identity")
		return
	}

	ep, err := s.endpoints.GetByID(r.Context(), identity.EndpointID)
	if err != nil {
		s.logger.Error("endpoint lookup failed",
			"identity_id", identityID, "endpoint_id", identity.EndpointID, "error", err)
		writeInternalError(w, "failed to read endpoint")
		return
	}

	filter := control.ListFilter{}
	q := r.URL.Query()
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if raw := q.Get("status"); raw != "" {
		status := control.Status(raw)
		if status != control.StatusPending && !status.IsTerminal() {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "unknown status filter")
			return
		}
		filter.Status = &status
	}

	commands, pagination, err := s.commands.ListForDevice(r.Context(), identityID, filter)
	if err != nil {
		s.logger.Error("command history query failed", "identity_id", identityID, "error", err)
		writeInternalError(w, "failed to read command history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":   ep.PublicID,
		"device_id":  identity.DeviceID,
		"commands":   commands,
		"pagination": pagination,
	})
}

// handleGetCommand returns a single command by its identifier.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")

	cmd, err := s.commands.GetByID(r.Context(), commandID)
	if err != nil {
		if errors.Is(err, control.ErrNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		s.logger.Error("command query failed", "command_id", commandID, "error", err)
		writeInternalError(w, "failed to read command")
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// handleNotifyUser pushes an arbitrary JSON payload to every live
// connection the user holds, across all endpoints.
func (s *Server) handleNotifyUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	delivered := s.registry.BroadcastToUser(userID, payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"delivered": delivered,
	})
}

// lookupEndpoint resolves the {publicID} route parameter, writing the
// error response itself when the endpoint cannot be served.
func (s *Server) lookupEndpoint(w http.ResponseWriter, r *http.Request) (*endpoint.Endpoint, bool) {
	publicID := chi.URLParam(r, "publicID")

	ep, err := s.endpoints.GetByPublicID(r.Context(), publicID)
	if err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			writeNotFound(w, "endpoint not found")
			return nil, false
		}
		s.logger.Error("endpoint lookup failed", "endpoint", publicID, "error", err)
		writeInternalError(w, "failed to read endpoint")
		return nil, false
	}

	return ep, true
}

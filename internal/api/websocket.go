package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket upgrades the request and hands the connection to the
// session manager. Endpoint validation happens after the upgrade so the
// client receives a structured error frame rather than a bare HTTP status.
//
// The optional ?user= query parameter groups the connection for
// user-targeted notifications.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "endpointPublicID")
	userID := r.URL.Query().Get("user")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own HTTP error response.
		s.logger.Debug("websocket upgrade failed", "endpoint", publicID, "error", err)
		return
	}

	s.sessions.HandleConnection(r.Context(), ws, publicID, userID)
}

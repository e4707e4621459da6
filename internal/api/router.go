package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// WebSocket accept path. Clients attach at {relay.path}/{endpointPublicId}.
	r.Get(s.relayCfg.Path+"/{endpointPublicID}", s.handleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleRegistryStats)

		r.Route("/endpoints/{publicID}", func(r chi.Router) {
			r.Get("/stats", s.handleEndpointStats)
			r.Get("/connections", s.handleEndpointConnections)
			r.Get("/devices", s.handleEndpointDevices)
			r.Get("/messages", s.handleEndpointMessages)

			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleDeviceStatus)
				r.Post("/commands", s.handleSendCommand)
			})
		})

		r.Get("/devices/{identityID}/commands", s.handleDeviceCommands)
		r.Get("/commands/{commandID}", s.handleGetCommand)

		r.Post("/users/{userID}/notify", s.handleNotifyUser)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// Package api provides the HTTP and WebSocket surface for the relay daemon.
//
// It exposes the websocket accept path that clients attach to, plus a REST
// API for collaborating services: endpoint statistics, device online status,
// control command dispatch and history, and user notifications.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/logging"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/message"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.ServerConfig
	Relay     config.RelayConfig
	Logger    *logging.Logger
	Registry  *relay.Registry
	Sessions  *relay.SessionManager
	Commands  *control.Service
	Endpoints endpoint.Repository
	Devices   device.Repository
	Messages  message.Repository
	Version   string
}

// Server is the HTTP server for the relay daemon.
//
// It manages the HTTP listener, routes, middleware, and the websocket
// upgrade path. The server is created with New() and started with Start().
type Server struct {
	cfg       config.ServerConfig
	relayCfg  config.RelayConfig
	logger    *logging.Logger
	registry  *relay.Registry
	sessions  *relay.SessionManager
	commands  *control.Service
	endpoints endpoint.Repository
	devices   device.Repository
	messages  message.Repository
	version   string
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}

	return &Server{
		cfg:       deps.Config,
		relayCfg:  deps.Relay,
		logger:    deps.Logger,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		commands:  deps.Commands,
		endpoints: deps.Endpoints,
		devices:   deps.Devices,
		messages:  deps.Messages,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Relay daemon - websocket message relay platform core.
//
// This is the main entry point for the relay daemon. It hosts the websocket
// accept path that clients attach to, relays messages between an endpoint's
// connections, dispatches control commands with acknowledgement tracking,
// and maintains per-endpoint statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/McuXifeng/WebSocket-Relay-Platform-sub001/migrations"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/api"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/control"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/device"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/database"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/influxdb"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/logging"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/infrastructure/mqtt"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/message"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting relay daemon",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories
	endpointRepo := endpoint.NewSQLiteRepository(db.DB)
	deviceRepo := device.NewSQLiteRepository(db.DB)
	messageRepo := message.NewSQLiteRepository(db.DB)
	controlRepo := control.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker (optional event feed)
	var mqttClient *mqtt.Client
	var events *relay.EventPublisher
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected", "subscriptions", mqttClient.SubscriptionCount())
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		events = relay.NewEventPublisher(mqttClient, log)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional telemetry)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Relay core: registry, stats updater, router, control service, sessions
	registry := relay.NewRegistry()
	registry.SetLogger(log)

	stats := relay.NewStatsUpdater(endpointRepo,
		cfg.Relay.Stats.GetFlushInterval(), cfg.Relay.Stats.BatchSize)
	stats.SetLogger(log)
	if influxClient != nil {
		stats.SetTelemetry(influxTelemetry{client: influxClient})
		stats.SetRegistry(registry)
	}
	stats.Start()
	defer func() {
		log.Info("stopping stats updater")
		stats.Close()
	}()
	registry.SetStats(stats)

	router := relay.NewRouter(registry)
	router.SetLogger(log)
	router.SetStats(stats)
	router.SetStore(messageRepo)

	commands := control.NewService(controlRepo, router, cfg.Relay.GetCommandTimeout())
	commands.SetLogger(log)
	if events != nil {
		commands.SetEvents(events.ControlEvents())
	}
	defer func() {
		log.Info("stopping control service")
		commands.Close()
	}()

	// Inbound command dispatch over the broker
	if mqttClient != nil {
		bridge := relay.NewCommandBridge(mqttClient, endpointRepo, deviceRepo, commands)
		bridge.SetLogger(log)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("subscribing to broker commands: %w", err)
		}
		defer func() {
			if closeErr := bridge.Close(); closeErr != nil {
				log.Warn("error closing command bridge", "error", closeErr)
			}
		}()
		log.Info("broker command bridge started")
	}

	sessions := relay.NewSessionManager(relay.SessionConfig{
		MaxMessageSize: int64(cfg.Relay.MaxMessageSize),
		PingInterval:   cfg.Relay.GetPingInterval(),
		PongTimeout:    cfg.Relay.GetPongTimeout(),
	}, endpointRepo, deviceRepo, registry, router, commands)
	sessions.SetLogger(log)
	if events != nil {
		sessions.SetEvents(events)
	}

	// HTTP API server
	server, err := api.New(api.Deps{
		Config:    cfg.Server,
		Relay:     cfg.Relay,
		Logger:    log,
		Registry:  registry,
		Sessions:  sessions,
		Commands:  commands,
		Endpoints: endpointRepo,
		Devices:   deviceRepo,
		Messages:  messageRepo,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (stops accepting connections)
	// 2. Control service (cancels timeout timers)
	// 3. Stats updater (final flush)
	// 4. InfluxDB / MQTT (if enabled)
	// 5. Database

	log.Info("relay daemon stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// influxTelemetry adapts the InfluxDB client to the stats updater's
// telemetry interface.
type influxTelemetry struct {
	client *influxdb.Client
}

// WriteEndpointDelta implements relay.Telemetry.
func (t influxTelemetry) WriteEndpointDelta(endpointID string, delta endpoint.StatsDelta) {
	t.client.WriteEndpointDelta(endpointID,
		delta.ConnectionDelta, delta.TotalConnections, delta.TotalMessages)
}

// WriteGauge implements relay.Telemetry.
func (t influxTelemetry) WriteGauge(name string, value float64) {
	t.client.WriteGauge(name, value)
}

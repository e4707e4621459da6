package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090
database:
  path: "/tmp/relay-test.db"
relay:
  path: "/ws"
  max_message_size: 32768
  ping_interval: 20
  command_timeout: 10
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 8883
    tls: true
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/relay-test.db" {
		t.Errorf("Database.Path = %q, want /tmp/relay-test.db", cfg.Database.Path)
	}
	if cfg.Relay.Path != "/ws" {
		t.Errorf("Relay.Path = %q, want /ws", cfg.Relay.Path)
	}
	if cfg.Relay.MaxMessageSize != 32768 {
		t.Errorf("Relay.MaxMessageSize = %d, want 32768", cfg.Relay.MaxMessageSize)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT = %+v, want enabled broker.local", cfg.MQTT)
	}
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	// A minimal file leaves everything else at defaults.
	cfg, err := Load(writeConfig(t, `
database:
  path: "/tmp/relay-test.db"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Relay.Path != "/relay" {
		t.Errorf("Relay.Path = %q, want default /relay", cfg.Relay.Path)
	}
	if cfg.Relay.CommandTimeout != 5 {
		t.Errorf("Relay.CommandTimeout = %d, want default 5", cfg.Relay.CommandTimeout)
	}
	if cfg.Relay.Stats.FlushInterval != 10 || cfg.Relay.Stats.BatchSize != 100 {
		t.Errorf("Relay.Stats = %+v, want defaults 10/100", cfg.Relay.Stats)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json defaults", cfg.Logging)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "9999")
	t.Setenv("RELAY_DATABASE_PATH", "/env/relay.db")
	t.Setenv("RELAY_MQTT_PASSWORD", "secret-from-env")

	cfg, err := Load(writeConfig(t, `
server:
  port: 8080
database:
  path: "/file/relay.db"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Database.Path != "/env/relay.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Auth.Password != "secret-from-env" {
		t.Errorf("MQTT.Auth.Password = %q, want env override", cfg.MQTT.Auth.Password)
	}
}

func TestLoad_EnvOverrideInvalidPortIgnored(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, `
database:
  path: "/tmp/relay-test.db"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default kept for bad env value", cfg.Server.Port)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "relay path without leading slash",
			mutate:  func(c *Config) { c.Relay.Path = "relay" },
			wantErr: "relay.path",
		},
		{
			name:    "ping interval too small",
			mutate:  func(c *Config) { c.Relay.PingInterval = 0 },
			wantErr: "relay.ping_interval",
		},
		{
			name:    "command timeout too small",
			mutate:  func(c *Config) { c.Relay.CommandTimeout = 0 },
			wantErr: "relay.command_timeout",
		},
		{
			name:    "stats batch size too small",
			mutate:  func(c *Config) { c.Relay.Stats.BatchSize = 0 },
			wantErr: "relay.stats.batch_size",
		},
		{
			name:    "invalid mqtt qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout = %v, want 30s", got)
	}
	if got := cfg.Relay.GetPingInterval(); got != 30*time.Second {
		t.Errorf("GetPingInterval = %v, want 30s", got)
	}
	if got := cfg.Relay.GetCommandTimeout(); got != 5*time.Second {
		t.Errorf("GetCommandTimeout = %v, want 5s", got)
	}
	if got := cfg.Relay.Stats.GetFlushInterval(); got != 10*time.Second {
		t.Errorf("GetFlushInterval = %v, want 10s", got)
	}
}

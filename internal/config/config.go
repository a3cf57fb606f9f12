// Package config holds the server configuration: a JSON5 file overlaid by
// MASC_* environment variables. Env always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the MASC server.
type Config struct {
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	Auth      AuthConfig      `json:"auth"`
	Room      RoomConfig      `json:"room"`
	Janitor   JanitorConfig   `json:"janitor"`
	Mitosis   MitosisConfig   `json:"mitosis"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Verbose   bool            `json:"verbose,omitempty"`
}

// StorageConfig selects and tunes the backend.
type StorageConfig struct {
	// Backend is one of "memory", "filesystem", "sql", "sqlite".
	Backend string `json:"backend"`

	// BaseDir is the room directory for the filesystem backend.
	BaseDir string `json:"base_dir,omitempty"`

	// PostgresURL is read from env MASC_POSTGRES_URL only, never the file.
	PostgresURL string `json:"-"`

	SQLitePath  string `json:"sqlite_path,omitempty"`
	ClusterName string `json:"cluster_name,omitempty"`

	// EncryptionKey material comes from env MASC_ENCRYPTION_KEY or a key
	// file, never inline.
	EncryptionKey     string `json:"-"`
	EncryptionKeyFile string `json:"encryption_key_file,omitempty"`

	// PubSubMaxMessages is the per-channel retention bound.
	PubSubMaxMessages int `json:"pubsub_max_messages,omitempty"`
}

// HTTPConfig tunes the HTTP transport. Port 0 disables it.
type HTTPConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// AuthConfig toggles credential checks.
type AuthConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// RoomConfig tunes the coordination engine.
type RoomConfig struct {
	// ZombieThresholdSeconds is how long an agent may miss heartbeats.
	ZombieThresholdSeconds int `json:"zombie_threshold_seconds,omitempty"`

	// AutoRespond is recognized for compatibility and ignored by the core.
	AutoRespond string `json:"auto_respond,omitempty"`
}

// JanitorConfig holds cron expressions for background sweeps.
type JanitorConfig struct {
	ZombieSweep    string `json:"zombie_sweep,omitempty"`
	PubSubCleanup  string `json:"pubsub_cleanup,omitempty"`
	TaskGC         string `json:"task_gc,omitempty"`
	TaskGCDays     int    `json:"task_gc_days,omitempty"`
	PubSubMaxAgeDays int  `json:"pubsub_max_age_days,omitempty"`
}

// MitosisConfig tunes the handoff controller.
type MitosisConfig struct {
	Node         string   `json:"node,omitempty"`
	SpawnCommand []string `json:"spawn_command,omitempty"`
	StemCells    []string `json:"stem_cells,omitempty"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Endpoint is the OTLP endpoint; empty uses the exporter default.
	Endpoint string `json:"endpoint,omitempty"`
	// Protocol is "http" or "grpc".
	Protocol string `json:"protocol,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:           "memory",
			BaseDir:           "./masc-room",
			SQLitePath:        "./masc.db",
			PubSubMaxMessages: 1000,
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
		},
		Room: RoomConfig{
			ZombieThresholdSeconds: 300,
		},
		Janitor: JanitorConfig{
			ZombieSweep:      "* * * * *",
			PubSubCleanup:    "*/5 * * * *",
			TaskGC:           "0 * * * *",
			TaskGCDays:       7,
			PubSubMaxAgeDays: 7,
		},
		Mitosis: MitosisConfig{
			Node: "default",
		},
		Telemetry: TelemetryConfig{
			Protocol: "http",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ZombieThreshold converts the configured seconds to a duration.
func (c *Config) ZombieThreshold() time.Duration {
	return time.Duration(c.Room.ZombieThresholdSeconds) * time.Second
}

// applyEnvOverrides overlays MASC_* env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envStr("MASC_BACKEND", &c.Storage.Backend)
	envStr("MASC_BASE_DIR", &c.Storage.BaseDir)
	envStr("MASC_POSTGRES_URL", &c.Storage.PostgresURL)
	envStr("MASC_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("MASC_CLUSTER_NAME", &c.Storage.ClusterName)
	envStr("MASC_ENCRYPTION_KEY", &c.Storage.EncryptionKey)
	envInt("MASC_PUBSUB_MAX_MESSAGES", &c.Storage.PubSubMaxMessages)

	envInt("MASC_HTTP_PORT", &c.HTTP.Port)
	envBool("MASC_AUTH_ENABLED", &c.Auth.Enabled)
	envInt("MASC_ZOMBIE_THRESHOLD", &c.Room.ZombieThresholdSeconds)
	envStr("MASC_AUTO_RESPOND", &c.Room.AutoRespond)
	envBool("MASC_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
}

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes environment overrides: JIMCHAT_SECTION_KEY
const EnvPrefix = "jimchat"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server" envconfig:"server"`
	Limits  LimitsSection  `toml:"limits" envconfig:"limits"`
	Storage StorageSection `toml:"storage" envconfig:"storage"`
}

type ServerSection struct {
	TCPPort            int    `toml:"tcp_port" envconfig:"tcp_port" validate:"min=0,max=65535"`
	LegacyTCPPort      int    `toml:"legacy_tcp_port" envconfig:"legacy_tcp_port" validate:"min=0,max=65535"`
	HTTPPort           int    `toml:"http_port" envconfig:"http_port" validate:"min=0,max=65535"`
	MetricsPort        int    `toml:"metrics_port" envconfig:"metrics_port" validate:"min=0,max=65535"`
	DatabasePath       string `toml:"database_path" envconfig:"database_path"`
	Framing            string `toml:"framing" envconfig:"framing" validate:"omitempty,oneof=framed legacy"`
	RequireCredentials bool   `toml:"require_credentials" envconfig:"require_credentials"`
}

type LimitsSection struct {
	MaxFrameSize         int `toml:"max_frame_size" envconfig:"max_frame_size" validate:"min=0"`
	MaxPacketLength      int `toml:"max_packet_length" envconfig:"max_packet_length" validate:"min=0"`
	MaxMessageLength     int `toml:"max_message_length" envconfig:"max_message_length" validate:"min=0"`
	MaxPendingPerSession int `toml:"max_pending_per_session" envconfig:"max_pending_per_session" validate:"min=0"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds" envconfig:"write_timeout_seconds" validate:"min=0"`
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds" envconfig:"idle_timeout_seconds" validate:"min=0"`
}

type StorageSection struct {
	// 0 serves straight from SQLite; > 0 enables the in-memory cache
	SnapshotIntervalSeconds int `toml:"snapshot_interval_seconds" envconfig:"snapshot_interval_seconds" validate:"min=0"`
}

var configValidate = validator.New()

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      7777,
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.jimchat/jimchat.db",
			Framing:      string(protocol.FramingFramed),
		},
		Limits: LimitsSection{
			MaxFrameSize:         protocol.MaxFrameSize,
			MaxPacketLength:      protocol.DefaultPacketLength,
			MaxMessageLength:     4096,
			MaxPendingPerSession: 1024,
			WriteTimeoutSeconds:  10,
		},
		Storage: StorageSection{
			SnapshotIntervalSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. A .env file in the working
// directory is read first.
func LoadConfig(path string) (TOMLConfig, error) {
	_ = godotenv.Load()

	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults
		if err := writeDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write default config: %v\n", err)
		}
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return TOMLConfig{}, err
	}
	if err := configValidate.Struct(config); err != nil {
		return TOMLConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: JIMCHAT_SECTION_KEY
// Example: JIMCHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config *TOMLConfig) error {
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# jimchat server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# JIMCHAT_SECTION_KEY (e.g., JIMCHAT_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 7777

# Extra TCP port that always speaks the legacy framing (one JSON document
# per read, no length prefix). Set to 0 to disable
legacy_tcp_port = 0

# Port for the WebSocket endpoint (/ws). Set to 0 to disable
http_port = 8080

# Internal port for /metrics, /health and /sessions. Never expose publicly.
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.jimchat/jimchat.db"

# Framing on tcp_port: "framed" (length-prefixed) or "legacy"
framing = "framed"

# Reject presence requests that carry no password_hash
require_credentials = false

[limits]
# Largest framed payload in bytes
max_frame_size = 65536

# Read size in legacy framing; longer documents are truncated
max_packet_length = 4096

# Longest mess_text accepted in bytes
max_message_length = 4096

# Undelivered messages held per session before it is dropped as a slow consumer
max_pending_per_session = 1024

# Deadline for one write to a client
write_timeout_seconds = 10

# Disconnect clients silent for this long. 0 disables
idle_timeout_seconds = 0

[storage]
# Seconds between in-memory cache snapshots to SQLite.
# 0 disables the cache and serves every request from SQLite
snapshot_interval_seconds = 30
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.LegacyTCPPort = c.Server.LegacyTCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.RequireCredentials = c.Server.RequireCredentials
	if framing, err := protocol.ParseFraming(c.Server.Framing); err == nil {
		cfg.Framing = framing
	}

	if c.Limits.MaxFrameSize != 0 {
		cfg.MaxFrameSize = c.Limits.MaxFrameSize
	}
	if c.Limits.MaxPacketLength != 0 {
		cfg.MaxPacketLength = c.Limits.MaxPacketLength
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	cfg.MaxPendingPerSession = c.Limits.MaxPendingPerSession
	cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	cfg.SnapshotInterval = time.Duration(c.Storage.SnapshotIntervalSeconds) * time.Second

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	Limits      LimitsSection      `toml:"limits"`
	Attachments AttachmentsSection `toml:"attachments"`
	Rooms       RoomsSection       `toml:"rooms"`
}

type ServerSection struct {
	Address       string `toml:"address"`
	Port          int    `toml:"port"`
	WebSocketAddr string `toml:"websocket_addr"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogDir        string `toml:"log_dir"`
	Debug         bool   `toml:"debug"`
}

type LimitsSection struct {
	MaxFrameSize  int           `toml:"max_frame_size"`
	MaxNameLength int           `toml:"max_name_length"`
	WriteTimeout  time.Duration `toml:"write_timeout"`
}

type AttachmentsSection struct {
	Dir      string `toml:"dir"`
	Compress bool   `toml:"compress"`
}

type RoomsSection struct {
	AnnounceMembership bool `toml:"announce_membership"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Address:     def.Address,
			Port:        def.Port,
			MetricsAddr: def.MetricsAddr,
		},
		Limits: LimitsSection{
			MaxFrameSize:  def.MaxFrameSize,
			MaxNameLength: def.MaxNameLength,
			WriteTimeout:  def.WriteTimeout,
		},
		Attachments: AttachmentsSection{
			Dir:      def.AttachmentsDir,
			Compress: def.CompressAttachments,
		},
		Rooms: RoomsSection{
			AnnounceMembership: def.AnnounceMembership,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A failed write (read-only directory) still runs with defaults
		writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing from the file keep them
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PICOCHAT_SECTION_KEY
// Example: PICOCHAT_SERVER_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("PICOCHAT_SERVER_ADDRESS"); val != "" {
		config.Server.Address = val
	}
	if val := os.Getenv("PICOCHAT_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val, ok := os.LookupEnv("PICOCHAT_SERVER_WEBSOCKET_ADDR"); ok {
		config.Server.WebSocketAddr = val
	}
	if val, ok := os.LookupEnv("PICOCHAT_SERVER_METRICS_ADDR"); ok {
		config.Server.MetricsAddr = val
	}
	if val, ok := os.LookupEnv("PICOCHAT_SERVER_LOG_DIR"); ok {
		config.Server.LogDir = val
	}
	if val := os.Getenv("PICOCHAT_SERVER_DEBUG"); val != "" {
		if debug, err := strconv.ParseBool(val); err == nil {
			config.Server.Debug = debug
		}
	}

	// Limits section
	if val := os.Getenv("PICOCHAT_LIMITS_MAX_FRAME_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxFrameSize = limit
		}
	}
	if val := os.Getenv("PICOCHAT_LIMITS_MAX_NAME_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxNameLength = limit
		}
	}
	if val := os.Getenv("PICOCHAT_LIMITS_WRITE_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Limits.WriteTimeout = timeout
		}
	}

	// Attachments section
	if val := os.Getenv("PICOCHAT_ATTACHMENTS_DIR"); val != "" {
		config.Attachments.Dir = val
	}
	if val := os.Getenv("PICOCHAT_ATTACHMENTS_COMPRESS"); val != "" {
		if compress, err := strconv.ParseBool(val); err == nil {
			config.Attachments.Compress = compress
		}
	}

	// Rooms section
	if val := os.Getenv("PICOCHAT_ROOMS_ANNOUNCE_MEMBERSHIP"); val != "" {
		if announce, err := strconv.ParseBool(val); err == nil {
			config.Rooms.AnnounceMembership = announce
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# picochat server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PICOCHAT_SECTION_KEY (e.g., PICOCHAT_SERVER_PORT=7000)
# The address and port given on the command line override both.

[server]
# Address and port for TCP clients
address = "0.0.0.0"
port = 6000

# host:port for the WebSocket gateway (/ws); empty disables it
# websocket_addr = "0.0.0.0:8080"

# host:port for /metrics and /health (internal only); empty disables it
metrics_addr = "127.0.0.1:9090"

# Directory for server.log, errors.log and debug.log; empty logs to the console
# log_dir = "logs"

# Write debug.log
# debug = false

[limits]
# Largest accepted frame payload in bytes (32 MiB)
max_frame_size = 33554432

# Longest accepted login name in bytes
max_name_length = 32

# How long a single write to a client may block before that client is
# disconnected
write_timeout = "10s"

[attachments]
# Directory holding pushed files and their index
dir = "attachments"

# LZ4-compress stored files
compress = true

[rooms]
# Tell room members when someone joins or leaves
announce_membership = true
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Address) != "" {
		cfg.Address = c.Server.Address
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	cfg.WebSocketAddr = c.Server.WebSocketAddr
	cfg.MetricsAddr = c.Server.MetricsAddr
	cfg.LogDir = c.Server.LogDir
	cfg.Debug = c.Server.Debug

	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = c.Limits.MaxFrameSize
	}
	if c.Limits.MaxNameLength > 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}
	if c.Limits.WriteTimeout > 0 {
		cfg.WriteTimeout = c.Limits.WriteTimeout
	}

	if strings.TrimSpace(c.Attachments.Dir) != "" {
		cfg.AttachmentsDir = c.Attachments.Dir
	}
	cfg.CompressAttachments = c.Attachments.Compress
	cfg.AnnounceMembership = c.Rooms.AnnounceMembership

	return cfg
}

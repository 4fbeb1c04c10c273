package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "picochat.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file written")

	// The written file parses back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picochat.toml")
	content := `
[server]
address = "127.0.0.1"
port = 7000
websocket_addr = ":8080"
debug = true

[limits]
max_name_length = 16
write_timeout = "250ms"

[attachments]
dir = "/var/lib/picochat"
compress = false

[rooms]
announce_membership = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Address)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.WebSocketAddr)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, 16, cfg.Limits.MaxNameLength)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits.WriteTimeout)
	assert.Equal(t, "/var/lib/picochat", cfg.Attachments.Dir)
	assert.False(t, cfg.Attachments.Compress)
	assert.False(t, cfg.Rooms.AnnounceMembership)

	// Keys missing from the file keep their defaults
	def := DefaultTOMLConfig()
	assert.Equal(t, def.Server.MetricsAddr, cfg.Server.MetricsAddr)
	assert.Equal(t, def.Limits.MaxFrameSize, cfg.Limits.MaxFrameSize)
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picochat.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PICOCHAT_SERVER_ADDRESS", "10.0.0.1")
	t.Setenv("PICOCHAT_SERVER_PORT", "7100")
	t.Setenv("PICOCHAT_SERVER_METRICS_ADDR", "")
	t.Setenv("PICOCHAT_SERVER_DEBUG", "true")
	t.Setenv("PICOCHAT_LIMITS_MAX_FRAME_SIZE", "1024")
	t.Setenv("PICOCHAT_LIMITS_MAX_NAME_LENGTH", "8")
	t.Setenv("PICOCHAT_LIMITS_WRITE_TIMEOUT", "3s")
	t.Setenv("PICOCHAT_ATTACHMENTS_DIR", "/tmp/files")
	t.Setenv("PICOCHAT_ATTACHMENTS_COMPRESS", "false")
	t.Setenv("PICOCHAT_ROOMS_ANNOUNCE_MEMBERSHIP", "false")

	cfg := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, "10.0.0.1", cfg.Server.Address)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Empty(t, cfg.Server.MetricsAddr, "set but empty disables metrics")
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, 1024, cfg.Limits.MaxFrameSize)
	assert.Equal(t, 8, cfg.Limits.MaxNameLength)
	assert.Equal(t, 3*time.Second, cfg.Limits.WriteTimeout)
	assert.Equal(t, "/tmp/files", cfg.Attachments.Dir)
	assert.False(t, cfg.Attachments.Compress)
	assert.False(t, cfg.Rooms.AnnounceMembership)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("PICOCHAT_SERVER_PORT", "not-a-port")
	t.Setenv("PICOCHAT_ATTACHMENTS_COMPRESS", "maybe")
	t.Setenv("PICOCHAT_LIMITS_WRITE_TIMEOUT", "10")

	def := DefaultTOMLConfig()
	cfg := applyEnvOverrides(def)
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Attachments.Compress, cfg.Attachments.Compress)
	assert.Equal(t, def.Limits.WriteTimeout, cfg.Limits.WriteTimeout, "durations need a unit")
}

func TestToServerConfig(t *testing.T) {
	tc := DefaultTOMLConfig()
	tc.Server.Address = "  "
	tc.Server.Port = 0
	tc.Limits.MaxFrameSize = 0
	tc.Limits.MaxNameLength = 12
	tc.Limits.WriteTimeout = 0
	tc.Attachments.Dir = ""
	tc.Attachments.Compress = false

	cfg := tc.ToServerConfig()
	def := DefaultConfig()
	assert.Equal(t, def.Address, cfg.Address)
	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.MaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, 12, cfg.MaxNameLength)
	assert.Equal(t, def.WriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, def.AttachmentsDir, cfg.AttachmentsDir)
	assert.False(t, cfg.CompressAttachments)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Realtime.SSEHeartbeatInterval)
	assert.Equal(t, 100, cfg.Realtime.MaxConnectionsPerOrg)
	assert.Equal(t, 256, cfg.Realtime.QueueCapacity)
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("RELAY_HTTP_PORT", "9999")
	t.Setenv("RELAY_ORGANIZATION_ID", "acme")
	t.Setenv("RELAY_QUEUE_CAPACITY", "32")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.Equal(t, "acme", cfg.OrganizationID)
	assert.Equal(t, 32, cfg.Realtime.QueueCapacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.HTTPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Realtime.QueueCapacity = 0
	assert.Error(t, cfg.Validate())
}

func TestAddrs(t *testing.T) {
	cfg := &Config{HTTPPort: 8080, GRPCPort: 9090}
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

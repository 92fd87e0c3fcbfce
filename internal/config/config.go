package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the relay service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"RELAY_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"RELAY_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Organization scope of this service instance. Empty means the instance
	// serves all organizations and only listens on the global channel.
	OrganizationID string `env:"RELAY_ORGANIZATION_ID"`

	// Redis configuration
	Redis RedisConfig

	// Realtime delivery configuration
	Realtime RealtimeConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// RealtimeConfig holds connection manager tunables
type RealtimeConfig struct {
	SSEHeartbeatInterval time.Duration `env:"RELAY_SSE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	WSPingInterval       time.Duration `env:"RELAY_WS_PING_INTERVAL" envDefault:"30s"`
	WSAuthTimeout        time.Duration `env:"RELAY_WS_AUTH_TIMEOUT" envDefault:"10s"`
	MaxConnectionsPerOrg int           `env:"RELAY_MAX_CONNECTIONS_PER_ORG" envDefault:"100"`
	HealthReportInterval time.Duration `env:"RELAY_HEALTH_REPORT_INTERVAL" envDefault:"60s"`

	// Per-connection outbound queue capacity. When full, the oldest queued
	// message is dropped to make room.
	QueueCapacity int `env:"RELAY_QUEUE_CAPACITY" envDefault:"256"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate realtime config
	if c.Realtime.SSEHeartbeatInterval <= 0 {
		return fmt.Errorf("SSE heartbeat interval must be positive")
	}
	if c.Realtime.WSPingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be positive")
	}
	if c.Realtime.WSAuthTimeout <= 0 {
		return fmt.Errorf("websocket auth timeout must be positive")
	}
	if c.Realtime.MaxConnectionsPerOrg < 1 {
		return fmt.Errorf("max connections per org must be at least 1")
	}
	if c.Realtime.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}
	if c.Realtime.HealthReportInterval <= 0 {
		return fmt.Errorf("health report interval must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

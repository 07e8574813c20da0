// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/fellowship/internal/connectivity"
	"github.com/blueberrycongee/fellowship/internal/idempotency"
	"github.com/blueberrycongee/fellowship/internal/observability"
	"github.com/blueberrycongee/fellowship/internal/offline"
	"github.com/blueberrycongee/fellowship/internal/resilience"
	"github.com/blueberrycongee/fellowship/internal/storage"
	"github.com/blueberrycongee/fellowship/internal/transport"
)

// Config represents the complete relay configuration.
type Config struct {
	Server       ServerConfig                `yaml:"server"`
	CORS         CORSConfig                  `yaml:"cors"`
	Logging      LoggingConfig               `yaml:"logging"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	Tracing      observability.TracingConfig `yaml:"tracing"`
	Storage      StorageConfig               `yaml:"storage"`
	RateLimits   map[string]resilience.Limit `yaml:"rate_limits"`
	RateLimiter  resilience.RegistryConfig   `yaml:"rate_limiter"`
	Idempotency  idempotency.Config          `yaml:"idempotency"`
	OfflineQueue offline.Config              `yaml:"offline_queue"`
	Transport    transport.Config            `yaml:"transport"`
	Connectivity ConnectivityConfig          `yaml:"connectivity"`
	Batcher      resilience.BatcherConfig    `yaml:"batcher"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CORSConfig controls browser access to the relay.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowAllOrigins  bool          `yaml:"allow_all_origins"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	AllowMethods     []string      `yaml:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers"`
	MaxAge           time.Duration `yaml:"max_age"`
	Allowlist        []string      `yaml:"allowlist"`
	Denylist         []string      `yaml:"denylist"` // "*" denies every origin
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig selects the persisted store.
type StorageConfig struct {
	Type     storage.Type           `yaml:"type"` // memory, redis, postgres
	Redis    storage.RedisConfig    `yaml:"redis"`
	Postgres storage.PostgresConfig `yaml:"postgres"`
}

// Connectivity modes.
const (
	ConnectivityManual = "manual" // Driven by the relay's status endpoint
	ConnectivityProbe  = "probe"  // Derived from periodic health probes
)

// ConnectivityConfig selects how connectivity is observed.
type ConnectivityConfig struct {
	Mode   string                    `yaml:"mode"`
	Probe  connectivity.ProberConfig `yaml:"probe"`
	Online bool                      `yaml:"online"` // Initial status in manual mode
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		CORS: CORSConfig{
			AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "Idempotency-Key", "X-Client-ID", "X-Request-ID"},
			ExposeHeaders: []string{"Retry-After", "X-Request-ID"},
			MaxAge:        10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		Storage: StorageConfig{
			Type:     storage.TypeMemory,
			Redis:    storage.DefaultRedisConfig(),
			Postgres: storage.DefaultPostgresConfig(),
		},
		RateLimits:   resilience.DefaultLimits(),
		RateLimiter:  resilience.DefaultRegistryConfig(),
		Idempotency:  idempotency.DefaultConfig(),
		OfflineQueue: offline.DefaultConfig(),
		Connectivity: ConnectivityConfig{
			Mode:   ConnectivityManual,
			Online: true,
		},
		Batcher: resilience.DefaultBatcherConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	// A rate_limits section replaces the presets instead of merging into them.
	cfg.RateLimits = nil
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = resilience.DefaultLimits()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypeRedis:
		if c.Storage.Redis.Addr == "" && len(c.Storage.Redis.ClusterAddrs) == 0 && len(c.Storage.Redis.SentinelAddrs) == 0 {
			return fmt.Errorf("storage.redis: an address is required")
		}
	case storage.TypePostgres:
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}

	for name, limit := range c.RateLimits {
		if name == "" {
			return fmt.Errorf("rate_limits: limit name cannot be empty")
		}
		if limit.TokensPerInterval <= 0 {
			return fmt.Errorf("rate_limits.%s.tokens_per_interval must be positive", name)
		}
		if limit.Interval <= 0 {
			return fmt.Errorf("rate_limits.%s.interval must be positive", name)
		}
		if limit.MaxTokens < 0 {
			return fmt.Errorf("rate_limits.%s.max_tokens cannot be negative", name)
		}
	}
	if c.RateLimiter.MaxKeys < 0 {
		return fmt.Errorf("rate_limiter.max_keys cannot be negative")
	}

	if c.Idempotency.MaxSize < 0 {
		return fmt.Errorf("idempotency.max_size cannot be negative")
	}
	if c.OfflineQueue.MaxQueue < 0 || c.OfflineQueue.MaxRetries < 0 {
		return fmt.Errorf("offline_queue limits cannot be negative")
	}
	if c.OfflineQueue.ReplayRate < 0 {
		return fmt.Errorf("offline_queue.replay_rate cannot be negative")
	}

	switch c.Connectivity.Mode {
	case "", ConnectivityManual:
	case ConnectivityProbe:
		if c.Connectivity.Probe.URL == "" {
			return fmt.Errorf("connectivity.probe.url is required in probe mode")
		}
	default:
		return fmt.Errorf("unknown connectivity.mode %q", c.Connectivity.Mode)
	}

	if c.Batcher.MaxBatchSize < 0 || c.Batcher.MaxConcurrent < 0 {
		return fmt.Errorf("batcher limits cannot be negative")
	}
	return nil
}

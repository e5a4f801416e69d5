// Package config provides configuration structures and loading logic for the
// connector runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the runtime daemon.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Runtime        RuntimeConfig        `yaml:"runtime"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Policy         PolicyConfig         `yaml:"policy"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds the channel listener addresses.
type ServerConfig struct {
	// SocketPath is the unix domain socket clients connect to.
	SocketPath string `yaml:"socket_path"`
	// TCPAddress optionally enables a loopback TCP listener ("" disables).
	TCPAddress string `yaml:"tcp_address"`
	// AdminAddress serves /metrics and /healthz.
	AdminAddress string `yaml:"admin_address"`
}

// RuntimeConfig holds request-execution defaults.
type RuntimeConfig struct {
	// DefaultTimeoutMs applies to requests that carry no timeout of their own.
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
	// MaxBodyBytes bounds a buffered response body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultTimeout returns the channel-level default timeout.
func (c RuntimeConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// PoolConfig holds connection pool tunables.
type PoolConfig struct {
	MaxPerHost      int   `yaml:"max_per_host"`
	IdleTTLMs       int64 `yaml:"idle_ttl_ms"`
	SweepIntervalMs int64 `yaml:"sweep_interval_ms"`
}

// IdleTTL returns the idle-eviction threshold.
func (c PoolConfig) IdleTTL() time.Duration { return time.Duration(c.IdleTTLMs) * time.Millisecond }

// SweepInterval returns the janitor scan interval.
func (c PoolConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// CircuitBreakerConfig holds per-host breaker tunables.
type CircuitBreakerConfig struct {
	FailureThreshold     int     `yaml:"failure_threshold"`
	CooldownMs           int64   `yaml:"cooldown_ms"`
	WindowMs             int64   `yaml:"window_ms"`
	BucketCount          int     `yaml:"bucket_count"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	MinSamples           int     `yaml:"min_samples"`
}

// Cooldown returns how long an open circuit waits before probing.
func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// Window returns the rolling-window duration.
func (c CircuitBreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// RetryConfig holds retry/backoff tunables.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int64   `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int64   `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            bool    `yaml:"jitter"`
}

// InitialBackoff returns the first retry delay.
func (c RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling.
func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// PolicyConfig points at the optional egress Rego module.
type PolicyConfig struct {
	EgressModuleFile string `yaml:"egress_module_file"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration. The socket path and timeout
// match the values connector SDKs assume when unconfigured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath:   "/tmp/vastar-runtime.sock",
			TCPAddress:   "",
			AdminAddress: ":19091",
		},
		Runtime: RuntimeConfig{
			DefaultTimeoutMs: 60_000,
			MaxBodyBytes:     10 * 1024 * 1024,
		},
		Pool: PoolConfig{
			MaxPerHost:      8,
			IdleTTLMs:       90_000,
			SweepIntervalMs: 15_000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			CooldownMs:       30_000,
			WindowMs:         30_000,
			BucketCount:      10,
			MinSamples:       5,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoffMs:  100,
			MaxBackoffMs:      5_000,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vastar-runtime",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment overrides.
// An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VASTAR_SOCKET_PATH"); val != "" {
		cfg.Server.SocketPath = val
	}
	if val := os.Getenv("VASTAR_TCP_ADDR"); val != "" {
		cfg.Server.TCPAddress = val
	}
	if val := os.Getenv("VASTAR_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("VASTAR_DEFAULT_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil && ms > 0 {
			cfg.Runtime.DefaultTimeoutMs = ms
		}
	}
	if val := os.Getenv("VASTAR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("VASTAR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("VASTAR_EGRESS_POLICY_FILE"); val != "" {
		cfg.Policy.EgressModuleFile = val
	}
	if val := os.Getenv("VASTAR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs validation across all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime configuration: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool configuration: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit breaker configuration: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate checks listener addresses.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.SocketPath) == "" && strings.TrimSpace(c.TCPAddress) == "" {
		return fmt.Errorf("at least one of socket_path or tcp_address must be set")
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19091"
	}
	return nil
}

// Validate normalizes runtime defaults.
func (c *RuntimeConfig) Validate() error {
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 60_000
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	return nil
}

// Validate normalizes pool defaults.
func (c *PoolConfig) Validate() error {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 8
	}
	if c.IdleTTLMs <= 0 {
		c.IdleTTLMs = 90_000
	}
	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = 15_000
	}
	return nil
}

// Validate normalizes breaker defaults.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = 30_000
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("failure_rate_threshold must be within [0,100], got %v", c.FailureRateThreshold)
	}
	return nil
}

// Validate normalizes retry defaults.
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.InitialBackoffMs <= 0 {
		c.InitialBackoffMs = 100
	}
	if c.MaxBackoffMs < c.InitialBackoffMs {
		c.MaxBackoffMs = c.InitialBackoffMs
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	return nil
}

// Validate normalizes the log level.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

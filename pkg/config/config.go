// Package config loads the gateway process configuration and the gateway
// definitions (organizations, APIs, subscriptions and API keys).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Subscription store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds the process configuration of the gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Logging       LoggingConfig       `yaml:"logging"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	AdminAddress string     `yaml:"admin_address"`
	DataAddress  string     `yaml:"data_address"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Redactions   []RedactionConfig `yaml:"redactions"`
}

// RedactionConfig names a span attribute and how it is exported.
// Strategy is drop (default), mask, hash, replace or redact.
type RedactionConfig struct {
	Attribute string `yaml:"attribute"`
	Strategy  string `yaml:"strategy"`
}

// DefinitionsConfig locates the gateway definitions document.
type DefinitionsConfig struct {
	File string `yaml:"file"`
	// Debounce coalesces bursts of file events into one reload.
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig tunes request dispatch.
type GatewayConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ExpressionTimeout time.Duration `yaml:"expression_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	// Organization selects the organization of the definitions whose platform
	// flows apply. Empty uses the only organization, if there is exactly one.
	Organization string `yaml:"organization"`
	// Breaker guards upstream calls per API.
	Breaker BreakerConfig `yaml:"breaker"`
}

// SubscriptionsConfig selects and configures the subscription store.
type SubscriptionsConfig struct {
	Store   string        `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RedisConfig holds the connection settings of the Redis store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BreakerConfig configures a circuit breaker. Zero values take the defaults
// of the governance package.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: ":19090",
			DataAddress:  ":8082",
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-gateway"},
		Definitions: DefinitionsConfig{
			Debounce: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			ChunkSize:         32 * 1024,
			ExpressionTimeout: 50 * time.Millisecond,
			RequestTimeout:    30 * time.Second,
			ConnectTimeout:    5 * time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			Store: StoreMemory,
			Redis: RedisConfig{Address: "localhost:6379", Prefix: "polis:"},
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("POLIS_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("POLIS_DEFINITIONS_FILE"); val != "" {
		cfg.Definitions.File = val
	}
	if val := os.Getenv("POLIS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_OTLP_INSECURE"); val != "" {
		insecure, err := strconv.ParseBool(val)
		if err != nil {
			return NewConfigValidationError("POLIS_OTLP_INSECURE", val, "must be a boolean")
		}
		cfg.Telemetry.Insecure = insecure
	}
	if val := os.Getenv("POLIS_SUBSCRIPTION_STORE"); val != "" {
		cfg.Subscriptions.Store = val
	}
	if val := os.Getenv("POLIS_REDIS_ADDR"); val != "" {
		cfg.Subscriptions.Redis.Address = val
	}

	if val := os.Getenv("POLIS_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("POLIS_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
	return nil
}

// Validate performs validation of the entire configuration and normalizes it.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway configuration: %w", err)
	}
	if err := c.Subscriptions.Validate(); err != nil {
		return fmt.Errorf("subscriptions configuration: %w", err)
	}
	if c.Definitions.Debounce < 0 {
		return NewConfigValidationError("definitions.debounce", c.Definitions.Debounce, "must not be negative")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	return nil
}

// Validate fills the service name and checks the redaction list.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-gateway"
	}
	for i, r := range c.Redactions {
		field := fmt.Sprintf("telemetry.redactions[%d]", i)
		if strings.TrimSpace(r.Attribute) == "" {
			return NewConfigMissingError(field + ".attribute")
		}
		switch strings.ToLower(r.Strategy) {
		case "", "drop", "mask", "hash", "replace", "redact":
		default:
			return NewConfigValidationError(field+".strategy", r.Strategy, "must be drop, mask, hash, replace or redact")
		}
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8082"
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("data_address", c.DataAddress, "conflicts with admin_address")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate performs validation of dispatch tuning.
func (c *GatewayConfig) Validate() error {
	switch {
	case c.ChunkSize < 0:
		return NewConfigValidationError("chunk_size", c.ChunkSize, "must not be negative")
	case c.ExpressionTimeout < 0:
		return NewConfigValidationError("expression_timeout", c.ExpressionTimeout, "must not be negative")
	case c.RequestTimeout < 0:
		return NewConfigValidationError("request_timeout", c.RequestTimeout, "must not be negative")
	case c.ConnectTimeout < 0:
		return NewConfigValidationError("connect_timeout", c.ConnectTimeout, "must not be negative")
	}
	return c.Breaker.Validate()
}

// Validate performs validation of the subscription store selection.
func (c *SubscriptionsConfig) Validate() error {
	store := strings.TrimSpace(strings.ToLower(c.Store))
	switch store {
	case "":
		c.Store = StoreMemory
	case StoreMemory:
		c.Store = store
	case StoreRedis:
		c.Store = store
		if strings.TrimSpace(c.Redis.Address) == "" {
			return NewConfigMissingError("redis.address").
				WithSuggestion("Set subscriptions.redis.address or POLIS_REDIS_ADDR")
		}
	default:
		return NewConfigValidationError("store", c.Store, "unsupported store").
			WithSuggestion("Use memory or redis")
	}
	return c.Breaker.Validate()
}

// Validate performs validation of breaker thresholds.
func (c *BreakerConfig) Validate() error {
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return NewConfigValidationError("breaker.failure_ratio", c.FailureRatio, "must be between 0 and 1")
	}
	if c.Interval < 0 || c.Timeout < 0 {
		return NewConfigValidationError("breaker", c, "durations must not be negative")
	}
	return nil
}

// Package config loads mesh node configuration with the usual precedence:
// built-in defaults, then an optional YAML file, then environment variable
// overrides under the CAPMESH_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capmesh/capmesh/transport"
)

// Config is the complete node configuration.
type Config struct {
	// Node identifies this process in the mesh.
	Node NodeConfig `yaml:"node"`

	// Redis configures the Redis-backed bus.
	Redis transport.RedisConfig `yaml:"redis"`

	// Discovery configures advertisement and liveliness behavior.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Invoke configures the remote invocation client.
	Invoke InvokeConfig `yaml:"invoke"`

	// Classify configures the function classifier.
	Classify ClassifyConfig `yaml:"classify"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig identifies the local component.
type NodeConfig struct {
	// ID is the component id; generated when empty.
	ID string `yaml:"id"`
	// Type is one of INTERFACE, PRIMARY_AGENT, SPECIALIZED_AGENT, FUNCTION.
	Type string `yaml:"type"`
}

// DiscoveryConfig tunes advertisement and liveliness.
type DiscoveryConfig struct {
	// LeaseTTL is how long a cached capability stays alive without a fresh
	// advertisement before the registry evicts it.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// HeartbeatInterval is how often the advertiser refreshes its records.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// AwaitTimeout bounds AwaitFirstDiscovery for callers that do not pick
	// their own deadline.
	AwaitTimeout time.Duration `yaml:"await_timeout"`
}

// InvokeConfig tunes the invocation client.
type InvokeConfig struct {
	// DefaultTimeout bounds an invocation when the caller passes none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// ClassifyConfig tunes the classifier.
type ClassifyConfig struct {
	// OracleEnabled wires the OpenAI oracle; the lexical fallback is always
	// available regardless.
	OracleEnabled bool `yaml:"oracle_enabled"`
	// Model is the oracle model name.
	Model string `yaml:"model"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Type: "SPECIALIZED_AGENT",
		},
		Redis: transport.RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "capmesh:",
			PoolSize:  10,
		},
		Discovery: DiscoveryConfig{
			LeaseTTL:          30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			AwaitTimeout:      5 * time.Second,
		},
		Invoke: InvokeConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Classify: ClassifyConfig{
			OracleEnabled: false,
			Model:         "gpt-4o-mini",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "capmesh",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from CAPMESH_* variables.
func (c *Config) applyEnv() {
	setString(&c.Node.ID, "CAPMESH_NODE_ID")
	setString(&c.Node.Type, "CAPMESH_NODE_TYPE")
	setString(&c.Redis.Addr, "CAPMESH_REDIS_ADDR")
	setString(&c.Redis.Password, "CAPMESH_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "CAPMESH_REDIS_DB")
	setString(&c.Redis.KeyPrefix, "CAPMESH_REDIS_KEY_PREFIX")
	setDuration(&c.Discovery.LeaseTTL, "CAPMESH_DISCOVERY_LEASE_TTL")
	setDuration(&c.Discovery.HeartbeatInterval, "CAPMESH_DISCOVERY_HEARTBEAT_INTERVAL")
	setDuration(&c.Discovery.AwaitTimeout, "CAPMESH_DISCOVERY_AWAIT_TIMEOUT")
	setDuration(&c.Invoke.DefaultTimeout, "CAPMESH_INVOKE_DEFAULT_TIMEOUT")
	setBool(&c.Classify.OracleEnabled, "CAPMESH_CLASSIFY_ORACLE_ENABLED")
	setString(&c.Classify.Model, "CAPMESH_CLASSIFY_MODEL")
	setString(&c.Log.Level, "CAPMESH_LOG_LEVEL")
	setString(&c.Log.Format, "CAPMESH_LOG_FORMAT")
	setBool(&c.Telemetry.Enabled, "CAPMESH_TELEMETRY_ENABLED")
	setString(&c.Telemetry.ServiceName, "CAPMESH_TELEMETRY_SERVICE_NAME")
	setString(&c.Telemetry.OTLPEndpoint, "CAPMESH_TELEMETRY_OTLP_ENDPOINT")
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	switch c.Node.Type {
	case "INTERFACE", "PRIMARY_AGENT", "SPECIALIZED_AGENT", "FUNCTION":
	default:
		return fmt.Errorf("config: invalid node type %q", c.Node.Type)
	}
	if c.Discovery.LeaseTTL <= 0 {
		return fmt.Errorf("config: discovery lease_ttl must be positive")
	}
	if c.Discovery.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: discovery heartbeat_interval must be positive")
	}
	if c.Discovery.HeartbeatInterval >= c.Discovery.LeaseTTL {
		return fmt.Errorf("config: heartbeat_interval must be below lease_ttl")
	}
	if c.Invoke.DefaultTimeout <= 0 {
		return fmt.Errorf("config: invoke default_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

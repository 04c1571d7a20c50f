package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete rpcgate configuration.
//
// This structure captures all configurable aspects of an rpcgate server:
//   - Logging configuration
//   - Listener and dispatch strategy settings
//   - Connection authentication
//   - Service registry selection and configuration (type-specific)
//   - Protocol options handed to every session
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. Environment variables (RPCGATE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Type-specific sections follow the same pattern throughout: a Type field
// selects the implementation and only the options map matching it is read.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains listener and dispatch settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Auth selects how accepted connections are authenticated
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Registry selects where the service announces itself
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Protocol is passed to every session as its configuration map.
	// Keys are protocol-specific (see package rpc).
	Protocol map[string]any `mapstructure:"protocol" yaml:"protocol"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains listener and dispatch settings.
type ServerConfig struct {
	// Hostname is the bind address. Empty binds every interface.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// Port is the TCP port to listen on. An explicit 0 lets the OS pick
	// an ephemeral port; an unset port is DefaultPort.
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// IPv6 binds a tcp6 listener
	IPv6 bool `mapstructure:"ipv6" yaml:"ipv6"`

	// Backlog is the requested listen backlog
	Backlog int `mapstructure:"backlog" yaml:"backlog" validate:"gte=0"`

	// ReuseAddress sets SO_REUSEADDR on the listener. nil means true.
	ReuseAddress *bool `mapstructure:"reuse_address" yaml:"reuse_address"`

	// Strategy selects how connections are dispatched
	// Valid values: threaded, pooled, forking
	Strategy string `mapstructure:"strategy" yaml:"strategy" validate:"required,oneof=threaded pooled forking"`

	// PoolSize is the worker count of the pooled strategy
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=0"`

	// QueueSize is the number of connections allowed to wait for a pool
	// worker. nil means "same as pool_size".
	QueueSize *int `mapstructure:"queue_size" yaml:"queue_size,omitempty" validate:"omitempty,gte=0"`

	// MaxConnectionsPerSecond throttles the accept loop. 0 is unlimited.
	MaxConnectionsPerSecond uint `mapstructure:"max_connections_per_second" yaml:"max_connections_per_second"`

	// ShutdownTimeout bounds the unregister call on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsLogInterval is the period of the active connections log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"gte=0"`
}

// AuthConfig specifies connection authentication.
//
// The Type field determines which authenticator is used. TLS and Allowlist
// may both be set with type "tls": the allow-list is then checked before
// the handshake.
type AuthConfig struct {
	// Type specifies the authenticator
	// Valid values: none, tls, allowlist
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=none tls allowlist"`

	// TLS contains TLS-specific configuration
	// Used when Type = "tls"
	TLS map[string]any `mapstructure:"tls" yaml:"tls"`

	// Allowlist contains client address filters
	// Used when Type = "allowlist", or in front of TLS when non-empty
	Allowlist map[string]any `mapstructure:"allowlist" yaml:"allowlist"`
}

// RegistryConfig specifies the service registry.
//
// The Type field determines which registrar is used. Only the corresponding
// type-specific configuration section is used.
type RegistryConfig struct {
	// Type specifies which registrar implementation to use
	// Valid values: none, udp, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=none udp badger s3"`

	// AutoRegister runs the registration loop. nil means "register iff
	// a registry is configured".
	AutoRegister *bool `mapstructure:"auto_register" yaml:"auto_register,omitempty"`

	// UDP contains UDP registry configuration
	// Only used when Type = "udp"
	UDP map[string]any `mapstructure:"udp" yaml:"udp"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port of the metrics HTTP server
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RPCGATE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the RPCGATE_ prefix and underscores
	// Example: RPCGATE_SERVER_PORT=18812
	v.SetEnvPrefix("RPCGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults that a zero value cannot express live in viper so an
	// explicit zero in the file or environment survives.
	v.SetDefault("server.port", DefaultPort)

	// AutomaticEnv only applies to keys viper already knows about, so the
	// scalar keys are bound explicitly for configs without a file.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/rpcgate/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings overridable from the environment.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.hostname",
	"server.port",
	"server.ipv6",
	"server.backlog",
	"server.reuse_address",
	"server.strategy",
	"server.pool_size",
	"server.queue_size",
	"server.max_connections_per_second",
	"server.shutdown_timeout",
	"server.metrics_log_interval",
	"auth.type",
	"registry.type",
	"registry.auto_register",
	"metrics.enabled",
	"metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is treated like a missing
		// default file.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rpcgate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "rpcgate")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}

package config

import (
	"strings"
	"time"

	"github.com/marmos91/rpcgate/pkg/server"
)

// DefaultPort is the listening port used when none is configured.
const DefaultPort = 18812

// DefaultMetricsPort is the port of the metrics endpoint.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - server.port is the exception: 0 means an ephemeral port, and
//     Load supplies DefaultPort through viper when the key is unset
//   - Type-specific option defaults are handled by the factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applyRegistryDefaults(&cfg.Registry)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.Protocol == nil {
		cfg.Protocol = make(map[string]any)
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets listener and dispatch defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Backlog == 0 {
		cfg.Backlog = server.DefaultBacklog
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "threaded"
	}
	cfg.Strategy = strings.ToLower(cfg.Strategy)

	if cfg.ReuseAddress == nil {
		reuse := true
		cfg.ReuseAddress = &reuse
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = server.DefaultPoolSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
}

// applyAuthDefaults sets authentication defaults.
func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Type == "" {
		cfg.Type = "none"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.TLS == nil {
		cfg.TLS = make(map[string]any)
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = make(map[string]any)
	}
}

// applyRegistryDefaults sets registry defaults.
func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.Type == "" {
		cfg.Type = "none"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.UDP == nil {
		cfg.UDP = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/rpcgate-registry"
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{Server: ServerConfig{Port: DefaultPort}}
	ApplyDefaults(cfg)
	return cfg
}

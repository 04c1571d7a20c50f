package config

import (
	"testing"
	"time"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Port != 0 {
		t.Errorf("Expected port 0 to be kept as ephemeral, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReuseAddress == nil || !*cfg.Server.ReuseAddress {
		t.Errorf("Expected reuse_address enabled by default, got %v", cfg.Server.ReuseAddress)
	}
	if cfg.Server.Strategy != "threaded" {
		t.Errorf("Expected default strategy 'threaded', got %q", cfg.Server.Strategy)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected default shutdown timeout 5s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.QueueSize != nil {
		t.Errorf("Expected queue size to stay unset, got %d", *cfg.Server.QueueSize)
	}
	if cfg.Server.MetricsLogInterval != 0 {
		t.Errorf("Expected metrics log line disabled by default, got %v", cfg.Server.MetricsLogInterval)
	}
}

func TestApplyDefaults_Auth(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Auth.Type != "none" {
		t.Errorf("Expected default auth type 'none', got %q", cfg.Auth.Type)
	}
	if cfg.Auth.TLS == nil || cfg.Auth.Allowlist == nil {
		t.Fatal("Expected auth option maps to be initialized")
	}
}

func TestApplyDefaults_Registry(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Registry.Type != "none" {
		t.Errorf("Expected default registry type 'none', got %q", cfg.Registry.Type)
	}
	if cfg.Registry.AutoRegister != nil {
		t.Error("Expected auto_register to stay unset")
	}
	if cfg.Registry.UDP == nil || cfg.Registry.S3 == nil {
		t.Fatal("Expected registry option maps to be initialized")
	}
	if path, ok := cfg.Registry.Badger["db_path"]; !ok || path != "/tmp/rpcgate-registry" {
		t.Errorf("Expected default badger db_path '/tmp/rpcgate-registry', got %v", path)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	queue := 0
	reuse := false
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "debug",
			Format: "json",
			Output: "stderr",
		},
		Server: ServerConfig{
			Port:            19000,
			ReuseAddress:    &reuse,
			Strategy:        "Pooled",
			PoolSize:        3,
			QueueSize:       &queue,
			ShutdownTimeout: time.Minute,
		},
		Registry: RegistryConfig{
			Type:   "badger",
			Badger: map[string]any{"db_path": "/var/lib/rpcgate"},
		},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected log level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Expected explicit logging values preserved, got %+v", cfg.Logging)
	}
	if cfg.Server.Port != 19000 {
		t.Errorf("Expected port 19000, got %d", cfg.Server.Port)
	}
	if *cfg.Server.ReuseAddress {
		t.Error("Expected explicit reuse_address false preserved")
	}
	if cfg.Server.Strategy != "pooled" {
		t.Errorf("Expected strategy normalized to 'pooled', got %q", cfg.Server.Strategy)
	}
	if cfg.Server.PoolSize != 3 {
		t.Errorf("Expected pool size 3, got %d", cfg.Server.PoolSize)
	}
	if cfg.Server.QueueSize == nil || *cfg.Server.QueueSize != 0 {
		t.Error("Expected explicit queue size 0 preserved")
	}
	if cfg.Server.ShutdownTimeout != time.Minute {
		t.Errorf("Expected shutdown timeout 1m, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Registry.Badger["db_path"] != "/var/lib/rpcgate" {
		t.Errorf("Expected explicit db_path preserved, got %v", cfg.Registry.Badger["db_path"])
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Default config should be valid, got error: %v", err)
	}
}

func TestGetDefaultConfig_HasRequiredFields(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level == "" {
		t.Error("Default config missing logging level")
	}
	if cfg.Server.Strategy == "" {
		t.Error("Default config missing strategy")
	}
	if cfg.Auth.Type == "" {
		t.Error("Default config missing auth type")
	}
	if cfg.Registry.Type == "" {
		t.Error("Default config missing registry type")
	}
	if cfg.Protocol == nil {
		t.Error("Default config missing protocol map")
	}
}

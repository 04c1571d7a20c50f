package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for rules spanning
// several sections.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Registry.AutoRegister != nil && *cfg.Registry.AutoRegister && cfg.Registry.Type == "none" {
		return fmt.Errorf("registry: auto_register requires a registry type")
	}

	if cfg.Metrics.Enabled && cfg.Server.Port != 0 && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics: port %d is already used by the server", cfg.Metrics.Port)
	}

	if cfg.Server.Strategy == "pooled" && cfg.Server.PoolSize == 0 {
		return fmt.Errorf("server: pooled strategy requires pool_size > 0")
	}

	switch cfg.Auth.Type {
	case "tls":
		if !hasOption(cfg.Auth.TLS, "cert_file") || !hasOption(cfg.Auth.TLS, "key_file") {
			return fmt.Errorf("auth.tls: cert_file and key_file are required")
		}
	case "allowlist":
		if !hasOption(cfg.Auth.Allowlist, "allowed_clients") && !hasOption(cfg.Auth.Allowlist, "denied_clients") {
			return fmt.Errorf("auth.allowlist: allowed_clients or denied_clients is required")
		}
	}

	if cfg.Registry.Type == "s3" && !hasOption(cfg.Registry.S3, "bucket") {
		return fmt.Errorf("registry.s3: bucket is required")
	}

	return nil
}

// hasOption reports whether options holds a non-empty value for key.
func hasOption(options map[string]any, key string) bool {
	v, ok := options[key]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	}
	return true
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}

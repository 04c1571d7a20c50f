package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// configHeader opens every generated configuration file.
const configHeader = `# rpcgate Configuration File
#
# Every value below is the built-in default. Any key can be overridden from
# the environment with the RPCGATE_ prefix, e.g. RPCGATE_SERVER_PORT=18813.
`

// InitConfig writes a default configuration file to the default location.
//
// Returns the path of the written file. Fails if the file already exists
// unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// field is one commented key of a generated mapping.
type field struct {
	key     string
	comment string
	value   any
}

// mapping builds a YAML mapping node with a head comment per key. Values
// that are already nodes are nested as-is.
func mapping(fields ...field) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: f.key, HeadComment: f.comment}

		value, ok := f.value.(*yaml.Node)
		if !ok {
			value = &yaml.Node{}
			v := f.value
			if d, isDuration := v.(time.Duration); isDuration {
				v = d.String()
			}
			if err := value.Encode(v); err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.key, err)
			}
		}
		node.Content = append(node.Content, key, value)
	}
	return node, nil
}

// generateYAMLWithComments renders cfg as a commented YAML document.
func generateYAMLWithComments(cfg *Config) (string, error) {
	logging, err := mapping(
		field{"level", "Minimum level: DEBUG, INFO, WARN, ERROR", cfg.Logging.Level},
		field{"format", "Output format: text, json", cfg.Logging.Format},
		field{"output", "Destination: stdout, stderr or a file path", cfg.Logging.Output},
	)
	if err != nil {
		return "", err
	}

	srv, err := mapping(
		field{"hostname", "Bind address. Empty binds every interface.", cfg.Server.Hostname},
		field{"port", "TCP port to listen on (0 picks an ephemeral port)", cfg.Server.Port},
		field{"ipv6", "Listen on tcp6 instead of tcp4", cfg.Server.IPv6},
		field{"backlog", "Listen backlog (capped by the kernel's somaxconn)", cfg.Server.Backlog},
		field{"reuse_address", "Set SO_REUSEADDR so a restart can rebind the port", *cfg.Server.ReuseAddress},
		field{"strategy", "Dispatch strategy: threaded, pooled, forking", cfg.Server.Strategy},
		field{"pool_size", "Worker count of the pooled strategy.\nqueue_size (default: pool_size) bounds connections waiting for a worker.", cfg.Server.PoolSize},
		field{"max_connections_per_second", "Accept rate limit. 0 is unlimited.", cfg.Server.MaxConnectionsPerSecond},
		field{"shutdown_timeout", "Upper bound for unregistering on shutdown", cfg.Server.ShutdownTimeout},
		field{"metrics_log_interval", "Period of the active connections log line. 0s disables it.", cfg.Server.MetricsLogInterval},
	)
	if err != nil {
		return "", err
	}

	authNode, err := mapping(
		field{"type", "Authenticator: none, tls, allowlist", cfg.Auth.Type},
		field{"tls", "Used with type tls: cert_file, key_file, client_ca_file (enables mTLS),\nhandshake_timeout", cfg.Auth.TLS},
		field{"allowlist", "allowed_clients and denied_clients, as IPs or CIDRs. Denied wins.\nChecked before the handshake when combined with type tls.", cfg.Auth.Allowlist},
	)
	if err != nil {
		return "", err
	}

	registryNode, err := mapping(
		field{"type", "Registry: none, udp, badger, s3.\nauto_register (default: true when a registry is set) runs the registration loop.", cfg.Registry.Type},
		field{"udp", "Used with type udp: address (default 255.255.255.255:18811), timeout, interval", cfg.Registry.UDP},
		field{"badger", "Used with type badger: db_path, in_memory, host, interval", cfg.Registry.Badger},
		field{"s3", "Used with type s3: region, bucket, key_prefix, endpoint, access_key_id,\nsecret_access_key, max_retries, host, interval", cfg.Registry.S3},
	)
	if err != nil {
		return "", err
	}

	metricsNode, err := mapping(
		field{"enabled", "Expose Prometheus metrics on /metrics", cfg.Metrics.Enabled},
		field{"port", "Port of the metrics HTTP server", cfg.Metrics.Port},
	)
	if err != nil {
		return "", err
	}

	root, err := mapping(
		field{"logging", "Logging", logging},
		field{"server", "Listener and dispatch", srv},
		field{"auth", "Connection authentication", authNode},
		field{"registry", "Service registry", registryNode},
		field{"protocol", "Session options: credentials, call_timeout, async_requests, max_sleep", cfg.Protocol},
		field{"metrics", "Metrics", metricsNode},
	)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

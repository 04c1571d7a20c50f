package config

import (
	"github.com/marmos91/rpcgate/pkg/metrics"
	promMetrics "github.com/marmos91/rpcgate/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ServerMetrics collects accept loop and strategy metrics (never nil)
	ServerMetrics metrics.ServerMetrics

	// RPCMetrics collects per-call metrics of the rpc service (never nil)
	RPCMetrics metrics.RPCMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			ServerMetrics: metrics.NewNoopServerMetrics(),
			RPCMetrics:    metrics.NewNoopRPCMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		ServerMetrics: promMetrics.NewServerMetrics(),
		RPCMetrics:    promMetrics.NewRPCMetrics(),
	}
}

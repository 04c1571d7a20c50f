package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/config"
	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/marmos91/rpcgate/pkg/rpc"
	"github.com/marmos91/rpcgate/pkg/server"
)

// ServeCmd starts the RPC server described by the configuration file.
type ServeCmd struct {
	Name     string   `help:"Service name." default:"rpcgate"`
	Alias    []string `short:"a" help:"Registry alias of the service. Repeatable. Default: the upper-cased name."`
	Port     int      `short:"p" help:"Override the configured port."`
	Strategy string   `help:"Override the configured strategy (threaded, pooled, forking)."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Strategy != "" {
		cfg.Server.Strategy = c.Strategy
	}

	authenticator, err := config.CreateAuthenticator(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	// A forked child re-runs this command line to serve the one connection
	// handed over by its parent. It neither binds nor registers.
	if server.IsForkedChild() {
		svc := c.service(metrics.NewNoopRPCMetrics())
		os.Exit(server.RunForkedChild(config.ServerSettings(cfg, authenticator, nil), svc))
	}

	registrar, err := config.CreateRegistrar(ctx, &cfg.Registry)
	if err != nil {
		return fmt.Errorf("failed to create registrar: %w", err)
	}
	if closer, ok := registrar.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("Registry close error: %v", err)
			}
		}()
	}

	strategy, err := config.CreateStrategy(&cfg.Server)
	if err != nil {
		return err
	}

	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	svc := c.service(metricsResult.RPCMetrics)
	srv, err := server.New(
		config.ServerSettings(cfg, authenticator, registrar),
		svc,
		server.WithStrategy(strategy),
		server.WithMetrics(metricsResult.ServerMetrics),
	)
	if err != nil {
		return err
	}

	logger.Info("Server configuration:")
	logger.Info("  Service: %s %v", svc.Name(), svc.Aliases())
	logger.Info("  Address: %s", srv.Addr())
	logger.Info("  Strategy: %s", strategy.Name())
	logger.Info("  Auth: %s", cfg.Auth.Type)
	logger.Info("  Registry: %s", cfg.Registry.Type)
	if cfg.Server.MaxConnectionsPerSecond > 0 {
		logger.Info("  Max connections per second: %d", cfg.Server.MaxConnectionsPerSecond)
	} else {
		logger.Info("  Max connections per second: unlimited")
	}
	logger.Info("Server is running on %s. Press Ctrl+C to stop.", srv.Addr())

	serveErr := srv.Serve(ctx)
	if !server.Drain(strategy, cfg.Server.ShutdownTimeout) {
		logger.Warn("Connections still running after %v", cfg.Server.ShutdownTimeout)
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("Server stopped")
	return nil
}

func (c *ServeCmd) service(m metrics.RPCMetrics) *rpc.Service {
	opts := []rpc.ServiceOption{rpc.WithRPCMetrics(m)}
	if len(c.Alias) > 0 {
		opts = append(opts, rpc.WithAliases(c.Alias...))
	}
	return rpc.NewService(c.Name, opts...)
}

// loadConfig loads the configuration named by the global flags and
// configures the process logger from it.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

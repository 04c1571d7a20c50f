package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	ConfigFile string `short:"c" help:"Path to the configuration file. Default: $XDG_CONFIG_HOME/rpcgate/config.yaml." placeholder:"PATH" type:"path"`
	LogLevel   string `help:"Override the configured log level (DEBUG, INFO, WARN, ERROR)." placeholder:"LEVEL"`
}

var cli struct {
	Globals

	Version  kong.VersionFlag `help:"Print version and exit."`
	Serve    ServeCmd         `cmd:"" help:"Start the RPC server."`
	Registry RegistryCmd      `cmd:"" help:"Run or query a service registry."`
	Call     CallCmd          `cmd:"" help:"Call a method on a running server."`
	Config   ConfigCmd        `cmd:"" help:"Manage the configuration file."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&cli,
		kong.Name("rpcgate"),
		kong.Description("A JSON-RPC server with pluggable dispatch strategies, authentication and service registration."),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	err := kongCtx.Run(&cli.Globals)
	kongCtx.FatalIfErrorf(err)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/config"
	"github.com/marmos91/rpcgate/pkg/registry"
)

// RegistryCmd groups the registry commands.
type RegistryCmd struct {
	Serve  RegistryServeCmd  `cmd:"" help:"Run a UDP registry server."`
	Lookup RegistryLookupCmd `cmd:"" help:"List the endpoints registered for an alias."`
}

// RegistryServeCmd runs the registry that UDP registrars announce to.
type RegistryServeCmd struct {
	Listen string        `help:"UDP address to listen on." default:":18811"`
	TTL    time.Duration `help:"Lifetime of a registration without refresh." default:"2m"`
}

func (c *RegistryServeCmd) Run(ctx context.Context, g *Globals) error {
	if _, err := loadConfig(g); err != nil {
		return err
	}

	srv, err := registry.NewUDPServer(c.Listen, c.TTL)
	if err != nil {
		return err
	}

	logger.Info("Registry is running on %s (ttl %v). Press Ctrl+C to stop.", srv.Addr(), c.TTL)
	return srv.Serve(ctx)
}

// RegistryLookupCmd queries the registry selected by the configuration.
type RegistryLookupCmd struct {
	Alias string `arg:"" help:"Service alias."`
}

func (c *RegistryLookupCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	registrar, err := config.CreateRegistrar(ctx, &cfg.Registry)
	if err != nil {
		return err
	}
	if registrar == nil {
		return fmt.Errorf("no registry configured (registry.type is %q)", cfg.Registry.Type)
	}
	if closer, ok := registrar.(io.Closer); ok {
		defer closer.Close()
	}

	discoverer, ok := registrar.(registry.Discoverer)
	if !ok {
		return fmt.Errorf("registry type %q does not support lookup", cfg.Registry.Type)
	}

	regs, err := discoverer.Lookup(ctx, c.Alias)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		return fmt.Errorf("no endpoint registered for %s", c.Alias)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tENDPOINT\tINSTANCE\tEXPIRES")
	for _, reg := range regs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", reg.Alias, reg.Endpoint(), reg.InstanceID, reg.ExpiresAt.Format(time.RFC3339))
	}
	return w.Flush()
}

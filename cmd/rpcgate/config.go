package main

import (
	"context"
	"fmt"
	"os"

	"github.com/marmos91/rpcgate/pkg/config"
	"gopkg.in/yaml.v3"
)

// ConfigCmd groups the configuration file commands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a commented default configuration file."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration."`
}

// ConfigInitCmd writes the default configuration.
type ConfigInitCmd struct {
	Force bool `short:"f" help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	path := g.ConfigFile
	if path == "" {
		var err error
		if path, err = config.InitConfig(c.Force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, c.Force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

// ConfigShowCmd prints the configuration after defaults and environment
// overrides are applied.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(_ context.Context, g *Globals) error {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/marmos91/rpcgate/pkg/rpc"
)

// CallCmd sends one request to a running server and prints the result.
type CallCmd struct {
	Address  string        `short:"A" help:"Server address, host:port." default:"127.0.0.1:18812"`
	TLS      bool          `help:"Connect with TLS."`
	Insecure bool          `help:"Skip server certificate verification."`
	Timeout  time.Duration `help:"Overall deadline of the call." default:"10s"`
	Method   string        `arg:"" help:"Method name, e.g. rpc.ping."`
	Params   string        `arg:"" optional:"" help:"Parameters as a JSON value."`
}

func (c *CallCmd) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var params any
	if c.Params != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(c.Params), &raw); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
		params = raw
	}

	var tlsConfig *tls.Config
	if c.TLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.Insecure, //nolint:gosec // opt-in for self-signed test servers
		}
	}

	client, err := rpc.Dial(ctx, c.Address, tlsConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(ctx, c.Method, params, &result); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

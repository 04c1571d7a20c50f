package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.lsp.dev/jsonrpc2"
)

// Builtin method names.
const (
	MethodPing        = "rpc.ping"
	MethodService     = "rpc.service"
	MethodCredentials = "rpc.credentials"
	MethodSleep       = "rpc.sleep"
)

// ServiceInfo is the result of rpc.service.
type ServiceInfo struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Methods []string `json:"methods"`
}

// SleepParams are the parameters of rpc.sleep.
type SleepParams struct {
	// Milliseconds to sleep before replying.
	Milliseconds int64 `json:"ms"`
}

// SleepResult is the result of rpc.sleep.
type SleepResult struct {
	Slept int64 `json:"slept_ms"`
}

func (s *Service) registerBuiltins() {
	s.Register(MethodPing, ping)
	s.Register(MethodService, s.describe)
	s.Register(MethodCredentials, credentials)
	s.Register(MethodSleep, sleep)
}

// ping echoes its params back; without params it answers "pong".
func ping(_ context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 || string(params) == "null" {
		return "pong", nil
	}
	return params, nil
}

func (s *Service) describe(context.Context, json.RawMessage) (any, error) {
	return ServiceInfo{
		Name:    s.Name(),
		Aliases: s.Aliases(),
		Methods: s.Methods(),
	}, nil
}

// credentials returns whatever the authenticator attached to the session.
func credentials(ctx context.Context, _ json.RawMessage) (any, error) {
	return CredentialsFromContext(ctx), nil
}

// sleep blocks for the requested time, bounded by the session's MaxSleep,
// and returns early with an error when the call is cancelled.
func sleep(ctx context.Context, params json.RawMessage) (any, error) {
	var p SleepParams
	if err := DecodeParams(params, &p); err != nil {
		return nil, err
	}

	d := time.Duration(p.Milliseconds) * time.Millisecond
	if d < 0 {
		return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "ms must not be negative")
	}
	if limit := sessionConfigFromContext(ctx).MaxSleep; limit > 0 && d > limit {
		return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "ms exceeds the %s limit", limit)
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return SleepResult{Slept: p.Milliseconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

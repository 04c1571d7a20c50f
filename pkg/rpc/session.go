package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/server"
	"github.com/mitchellh/mapstructure"
	"go.lsp.dev/jsonrpc2"
)

// SessionConfig is the typed view of the protocol configuration a server
// hands to each session.
type SessionConfig struct {
	// Credentials are the authenticator's result for this connection.
	Credentials any `mapstructure:"credentials"`

	// CallTimeout bounds each call. Zero means no limit.
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// AsyncRequests runs each call in its own goroutine so a slow method
	// does not stall reading the stream. Replies keep request order.
	AsyncRequests bool `mapstructure:"async_requests"`

	// MaxSleep caps the duration accepted by rpc.sleep.
	MaxSleep time.Duration `mapstructure:"max_sleep"`
}

// DefaultMaxSleep is the rpc.sleep cap when the config sets none.
const DefaultMaxSleep = 30 * time.Second

// DecodeSessionConfig decodes a protocol configuration map. Durations may
// be given as Go duration strings ("5s") or as integer nanoseconds.
func DecodeSessionConfig(config map[string]any) (SessionConfig, error) {
	var cfg SessionConfig

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(config); err != nil {
		return cfg, fmt.Errorf("invalid protocol config: %w", err)
	}

	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultMaxSleep
	}
	return cfg, nil
}

type credentialsKey struct{}

// CredentialsFromContext returns the credentials of the session a call
// arrived on, or nil when the connection was not authenticated.
func CredentialsFromContext(ctx context.Context) any {
	return ctx.Value(credentialsKey{})
}

type sessionConfigKey struct{}

func sessionConfigFromContext(ctx context.Context) SessionConfig {
	cfg, _ := ctx.Value(sessionConfigKey{}).(SessionConfig)
	return cfg
}

// session runs one JSON-RPC 2.0 conversation using Content-Length framing.
type session struct {
	service *Service
	conn    net.Conn
	config  SessionConfig
	initErr error
}

// Serve reads requests until the peer disconnects or ctx is cancelled.
//
// Returns nil when ctx ends the session, and the stream error otherwise;
// a peer hang-up surfaces as an error wrapping io.EOF.
func (s *session) Serve(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}

	s.service.metrics.RecordSessionOpened()
	defer s.service.metrics.RecordSessionClosed()

	ctx = context.WithValue(ctx, credentialsKey{}, s.config.Credentials)
	ctx = context.WithValue(ctx, sessionConfigKey{}, s.config)

	var handler jsonrpc2.Handler = s.handle
	if s.config.AsyncRequests {
		handler = jsonrpc2.AsyncHandler(handler)
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(s.conn))
	conn.Go(ctx, handler)

	select {
	case <-conn.Done():
		return conn.Err()
	case <-ctx.Done():
		// The read loop only observes ctx between messages.
		_ = conn.Close()
		<-conn.Done()
		return nil
	}
}

// handle dispatches one request. It always replies; the returned error is
// only a failure to write the reply, which ends the session.
func (s *session) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	method := req.Method()

	info, ok := s.service.lookup(method)
	if !ok {
		logger.Debug("rpc: unknown method %q from %s", method, s.conn.RemoteAddr())
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}

	if info.NeedsAuth && s.config.Credentials == nil {
		return reply(ctx, nil, jsonrpc2.Errorf(CodeUnauthenticated, "%s: credentials required", method))
	}

	callCtx := ctx
	if s.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
	}

	s.service.metrics.RecordCallStart(method)
	start := time.Now()
	result, err := invoke(callCtx, info, req.Params())
	s.service.metrics.RecordCallEnd(method)
	s.service.metrics.RecordCall(method, time.Since(start), err)

	if err != nil {
		logger.Debug("rpc: %s failed: %v", method, err)
		return reply(ctx, nil, wireError(err))
	}
	return reply(ctx, result, nil)
}

// invoke runs the method, converting a panic into an internal error.
func invoke(ctx context.Context, info *methodInfo, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("rpc: panic in %s: %v", info.Name, r)
			result = nil
			err = jsonrpc2.Errorf(jsonrpc2.InternalError, "%s: panic: %v", info.Name, r)
		}
	}()

	return info.Handler(ctx, params)
}

func wireError(err error) error {
	var wire *jsonrpc2.Error
	if errors.As(err, &wire) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jsonrpc2.NewError(CodeTimeout, err.Error())
	}
	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}

// DecodeParams unmarshals params into v, reporting failures with the
// InvalidParams code. Absent params leave v unchanged.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc2.Errorf(jsonrpc2.InvalidParams, "invalid params: %v", err)
	}
	return nil
}

var _ server.Session = (*session)(nil)

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/marmos91/rpcgate/pkg/server"
	"go.lsp.dev/jsonrpc2"
)

// Error codes in the JSON-RPC server-defined range.
const (
	// CodeUnauthenticated is returned when a method that needs credentials
	// is called on a session without any.
	CodeUnauthenticated jsonrpc2.Code = -32010

	// CodeTimeout is returned when a call exceeds the session call timeout.
	CodeTimeout jsonrpc2.Code = -32011
)

// MethodFunc implements one JSON-RPC method.
//
// params is the raw "params" member of the request (nil when absent). The
// returned value is marshaled as the result. Returning a *jsonrpc2.Error
// sends its code to the peer; any other error is reported as an internal
// error carrying the error message.
//
// ctx carries the session credentials (see CredentialsFromContext) and is
// cancelled when the session ends or the server closes.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// methodInfo describes a registered method for dispatch.
type methodInfo struct {
	// Name is the wire method name (e.g., "rpc.ping")
	Name string

	// Handler processes the call
	Handler MethodFunc

	// NeedsAuth rejects the call with CodeUnauthenticated when the session
	// carries no credentials
	NeedsAuth bool
}

// Service is a named set of JSON-RPC methods served over accepted
// connections. It implements server.Service.
//
// Every service answers the builtin methods rpc.ping, rpc.service,
// rpc.credentials and rpc.sleep in addition to the methods registered on it.
//
// Thread safety:
// Register may be called concurrently with running sessions; a session sees
// the method table as of each call.
type Service struct {
	name    string
	aliases []string
	metrics metrics.RPCMetrics

	mu      sync.RWMutex
	methods map[string]*methodInfo
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithAliases sets the names the service registers under. The default is
// the upper-cased service name.
func WithAliases(aliases ...string) ServiceOption {
	return func(s *Service) { s.aliases = slices.Clone(aliases) }
}

// WithRPCMetrics sets the call metrics collector. The default records
// nothing.
func WithRPCMetrics(m metrics.RPCMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service named name with the builtin methods
// registered.
func NewService(name string, opts ...ServiceOption) *Service {
	s := &Service{
		name:    name,
		aliases: []string{strings.ToUpper(name)},
		methods: make(map[string]*methodInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoopRPCMetrics()
	}

	s.registerBuiltins()
	return s
}

// Name implements server.Service.
func (s *Service) Name() string {
	return s.name
}

// Aliases implements server.Service.
func (s *Service) Aliases() []string {
	return slices.Clone(s.aliases)
}

// Register adds or replaces method.
func (s *Service) Register(method string, fn MethodFunc) {
	s.register(method, fn, false)
}

// RegisterAuthenticated adds or replaces a method that is only callable on
// sessions carrying credentials.
func (s *Service) RegisterAuthenticated(method string, fn MethodFunc) {
	s.register(method, fn, true)
}

func (s *Service) register(method string, fn MethodFunc, needsAuth bool) {
	if method == "" || fn == nil {
		panic(fmt.Sprintf("rpc: invalid registration for method %q", method))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = &methodInfo{Name: method, Handler: fn, NeedsAuth: needsAuth}
}

// Methods returns the registered method names in sorted order.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) lookup(method string) (*methodInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.methods[method]
	return info, ok
}

// NewSession implements server.SessionFactory.
//
// config is decoded into a SessionConfig. Keys it does not know are
// ignored; a malformed value fails the session when it is served.
func (s *Service) NewSession(conn net.Conn, config map[string]any) server.Session {
	cfg, err := DecodeSessionConfig(config)
	return &session{
		service: s,
		conn:    conn,
		config:  cfg,
		initErr: err,
	}
}

var _ server.Service = (*Service)(nil)

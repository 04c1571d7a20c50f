package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/internal/ratelimiter"
	"github.com/marmos91/rpcgate/pkg/metrics"
)

// Server accepts connections on one listening socket and hands each to a
// Strategy, which runs it through the authentication gate and a protocol
// session built by the Service.
//
// Architecture:
// Server owns the listener, the set of live client connections and the
// running state. Strategies decide only where a connection runs (a
// goroutine, a pool worker or a child process); every strategy uses the
// same gate and session pipeline and the same cleanup.
//
// Lifecycle:
//  1. New binds the listener and resolves the real address and port
//  2. Serve starts the strategy and the registration loop, then accepts
//     until Close is called, ctx is cancelled or the listener fails
//  3. Close flips the running state, unregisters, closes the listener and
//     forces every tracked connection down
//
// Shutdown is immediate rather than graceful: sessions observe the closed
// socket or the cancelled context and return.
//
// Thread safety:
// All methods are safe for concurrent use. Close is idempotent and may be
// called from any goroutine, concurrently with Serve.
type Server struct {
	// config is the private copy taken by New
	config Config

	service  Service
	strategy Strategy
	pipeline *pipeline

	// listener is the bound socket; addr is read back from it once
	listener *net.TCPListener
	addr     BoundAddress

	log     *logger.Scoped
	metrics metrics.ServerMetrics

	// limiter throttles admission; nil when unlimited
	limiter *ratelimiter.Limiter

	// clients holds every accepted connection not yet released
	clients *clientSet

	// active is true between Serve and Close
	active activeFlag

	// lifecycleMu orders the start and close transitions of active
	lifecycleMu sync.Mutex
	started     bool
	closed      bool

	// closeOnce guards the shutdown sequence; closing is closed by it
	closeOnce sync.Once
	closing   chan struct{}
	closeErr  error

	// requestCtx is handed to every session and cancelled by Close
	requestCtx     context.Context
	cancelRequests context.CancelFunc

	// wg tracks the background goroutines started by Serve
	wg sync.WaitGroup
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	strategy Strategy
	metrics  metrics.ServerMetrics
}

// WithStrategy selects the dispatch strategy. The default is NewThreaded().
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithMetrics sets the metrics collector. The default records nothing.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.strategy == nil {
		o.strategy = NewThreaded()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNoopServerMetrics()
	}
	return o
}

// New binds a listener for service as described by cfg.
//
// The returned Server is bound but not accepting; call Serve. The bound
// address, including an OS-assigned port when cfg.Port is 0, is available
// immediately from Addr and never changes.
//
// Returns an error if cfg is invalid or the address cannot be bound.
func New(cfg Config, service Service, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, errors.New("server: service is required")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	o := buildOptions(opts)

	listener, addr, err := listen(&cfg)
	if err != nil {
		return nil, err
	}

	requestCtx, cancelRequests := context.WithCancel(context.Background())

	s := &Server{
		config:         cfg,
		service:        service,
		strategy:       o.strategy,
		listener:       listener,
		addr:           addr,
		log:            logger.Named(fmt.Sprintf("%s/%d", service.Name(), addr.Port)),
		metrics:        o.metrics,
		limiter:        ratelimiter.New(cfg.MaxConnectionsPerSecond, 0),
		clients:        newClientSet(),
		closing:        make(chan struct{}),
		requestCtx:     requestCtx,
		cancelRequests: cancelRequests,
	}
	s.pipeline = &pipeline{
		ctx:            requestCtx,
		active:         &s.active,
		service:        service,
		auth:           cfg.Authenticator,
		protocolConfig: cfg.ProtocolConfig,
		log:            s.log,
		metrics:        o.metrics,
		strategy:       o.strategy.Name(),
	}

	s.log.Debug("bound [%s]:%d family=%s reuse_address=%t backlog=%d",
		addr.Host, addr.Port, listener.Addr().Network(), *cfg.ReuseAddress && reuseAddressSupported(), cfg.Backlog)

	return s, nil
}

// Serve starts the strategy and accepts connections until the server stops.
//
// Serve blocks. It returns when:
//   - Close is called (returns nil)
//   - ctx is cancelled, which calls Close (returns nil)
//   - the listener fails (returns an error wrapping ErrListenerClosed,
//     after calling Close)
//
// Per-connection failures never end Serve. Serve may be called once;
// later calls return ErrServerStarted. Serve after Close returns nil
// immediately.
func (s *Server) Serve(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started {
		s.lifecycleMu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	if s.closed {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.active.start()
	s.lifecycleMu.Unlock()

	if err := s.strategy.Start(s.pipeline); err != nil {
		_ = s.Close()
		return fmt.Errorf("failed to start %s strategy: %w", s.strategy.Name(), err)
	}

	s.log.Info("server started on [%s]:%d (strategy: %s)", s.addr.Host, s.addr.Port, s.strategy.Name())

	s.wg.Add(1)
	go s.watch(ctx)

	if *s.config.AutoRegister {
		s.wg.Add(1)
		go s.registerLoop()
	}

	if s.config.MetricsLogInterval > 0 {
		s.wg.Add(1)
		go s.logMetrics()
	}

	err := s.acceptLoop()

	s.log.Info("server has terminated")
	_ = s.Close()
	s.wg.Wait()

	return err
}

// watch closes the server when ctx is cancelled.
func (s *Server) watch(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received: %v", ctx.Err())
		_ = s.Close()
	case <-s.closing:
	}
}

// acceptLoop dispatches connections in accept order until the listener
// fails or the server stops. Returns nil for a requested stop.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.accept()
		if err != nil {
			if !s.active.Load() {
				return nil
			}
			s.log.Error("accept loop terminated: %v", err)
			return err
		}
		s.dispatch(conn)
	}
}

// accept waits for one connection, waking every AcceptPollInterval to
// observe shutdown. Poll timeouts and interrupted waits are retried; every
// other failure is reported as ErrListenerClosed.
func (s *Server) accept() (*net.TCPConn, error) {
	for s.active.Load() {
		if err := s.listener.SetDeadline(time.Now().Add(AcceptPollInterval)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListenerClosed, err)
		}

		conn, err := s.listener.AcceptTCP()
		if err == nil {
			return conn, nil
		}
		if isTransientAcceptError(err) {
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrListenerClosed, err)
	}
	return nil, ErrListenerClosed
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EINTR)
}

// dispatch tracks conn and hands it to the strategy. A connection the
// strategy does not take is released here.
func (s *Server) dispatch(conn *net.TCPConn) {
	c := newClientConn(conn, s.clients, s.connectionReleased)
	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(int32(s.clients.len()))

	// Close may have emptied the client set before c was added.
	if !s.active.Load() {
		c.Release()
		return
	}

	if !s.limiter.Admit() {
		s.log.Warn("rejecting [%s]: connection rate limit exceeded", c.Peer())
		s.metrics.RecordConnectionRejected(metrics.RejectRateLimited)
		c.Release()
		return
	}

	s.log.Info("accepted [%s]", c.Peer())

	if err := s.strategy.Dispatch(c); err != nil {
		reason := metrics.RejectDispatchFail
		if errors.Is(err, ErrOverloaded) {
			reason = metrics.RejectOverloaded
		}
		s.log.Warn("rejecting [%s]: %v", c.Peer(), err)
		s.metrics.RecordConnectionRejected(reason)
		c.Release()
	}
}

func (s *Server) connectionReleased() {
	s.metrics.RecordConnectionClosed()
	s.metrics.SetActiveConnections(int32(s.clients.len()))
}

// Close stops the server and every client connection.
//
// Shutdown sequence:
//  1. Mark the server inactive (accept loop, pool workers and the
//     registration loop exit) and cancel the session context
//  2. Unregister from the registry if auto-registration is enabled;
//     failures are logged only
//  3. Close the listener
//  4. Shut down and close every tracked connection, then empty the set
//  5. Stop the strategy
//
// Close is idempotent: later and concurrent calls wait for the first one
// and return its result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.lifecycleMu.Lock()
		s.closed = true
		s.active.stop()
		s.lifecycleMu.Unlock()

		close(s.closing)
		s.cancelRequests()

		if *s.config.AutoRegister {
			s.unregister()
		}

		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = fmt.Errorf("failed to close listener: %w", err)
		}
		s.log.Info("listener closed")

		if n := s.clients.releaseAll(); n > 0 {
			s.log.Info("force-closed %d client connection(s)", n)
		}

		s.strategy.Stop()
	})
	return s.closeErr
}

// logMetrics periodically logs the tracked connection count and the
// connections refused by the rate limiter.
func (s *Server) logMetrics() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.log.Info("metrics: active_connections=%d rate_limited=%d strategy=%s",
				s.ActiveConnections(), s.limiter.Rejected(), s.strategy.Name())
		}
	}
}

// Addr returns the bound address.
func (s *Server) Addr() BoundAddress {
	return s.addr
}

// Host returns the bound host.
func (s *Server) Host() string {
	return s.addr.Host
}

// Port returns the bound port, the OS-assigned one when configured as 0.
func (s *Server) Port() int {
	return s.addr.Port
}

// Fd returns the listener's file descriptor for use with an external
// poller. The descriptor stays owned by the Server.
func (s *Server) Fd() (uintptr, error) {
	rc, err := s.listener.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd uintptr
	if err := rc.Control(func(f uintptr) { fd = f }); err != nil {
		return 0, err
	}
	return fd, nil
}

// ActiveConnections returns the number of tracked client connections.
func (s *Server) ActiveConnections() int {
	return s.clients.len()
}

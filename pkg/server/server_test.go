package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "port too large", cfg: Config{Port: 70000}},
		{name: "negative port", cfg: Config{Port: -1}},
		{name: "negative backlog", cfg: Config{Backlog: -5}},
		{name: "auto-register without registrar", cfg: Config{AutoRegister: boolPtr(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, newEchoService())
			assert.Error(t, err)
		})
	}
}

func TestNewRequiresService(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestEphemeralPortIsResolvedAndServed(t *testing.T) {
	srv, _ := startServer(t, Config{}, newEchoService())

	port := srv.Port()
	assert.Greater(t, port, 0)
	assert.LessOrEqual(t, port, 65535)
	assert.Equal(t, "127.0.0.1", srv.Host())

	conn := dial(t, srv)
	assert.Equal(t, "hello", roundTrip(t, conn, "hello"))
	assert.Equal(t, port, srv.Port(), "bound port must not change")
}

func TestIPv6LocalhostBindsLoopback(t *testing.T) {
	srv, err := New(Config{Hostname: "localhost", IPv6: true}, newEchoService())
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	defer func() { _ = srv.Close() }()

	assert.Equal(t, "::1", srv.Host())
}

func TestFdReturnsListenerDescriptor(t *testing.T) {
	srv, err := New(Config{Hostname: "127.0.0.1"}, newEchoService())
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	fd, err := srv.Fd()
	require.NoError(t, err)
	assert.NotZero(t, fd)
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	reg := &fakeRegistrar{interval: time.Minute}
	srv, done := startServer(t, Config{Registrar: reg}, newEchoService())

	conn := dial(t, srv)
	assert.Equal(t, "ping", roundTrip(t, conn, "ping"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, srv.Close())
		}()
	}
	wg.Wait()
	assert.NoError(t, srv.Close())

	assert.NoError(t, waitServe(t, done))
	assert.Equal(t, int32(1), reg.unregister.Load(), "unregister must run exactly once")
	assert.Zero(t, srv.ActiveConnections())
	assert.False(t, srv.active.Load())

	expectClosed(t, conn)

	_, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err, "listener must be unusable after Close")
}

func TestCloseForcesBlockedSessionsDown(t *testing.T) {
	srv, done := startServer(t, Config{}, newEchoService())

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, srv)
		roundTrip(t, conns[i], "warm")
	}
	require.Equal(t, 3, srv.ActiveConnections())

	require.NoError(t, srv.Close())
	require.NoError(t, waitServe(t, done))

	for _, c := range conns {
		expectClosed(t, c)
	}
	assert.Zero(t, srv.ActiveConnections())
}

func TestServeTwiceAndServeAfterClose(t *testing.T) {
	srv, _ := startServer(t, Config{}, newEchoService())
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrServerStarted)

	closed, err := New(Config{Hostname: "127.0.0.1"}, newEchoService())
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	assert.NoError(t, closed.Serve(context.Background()))
	assert.False(t, closed.active.Load())
}

func TestContextCancellationStopsServer(t *testing.T) {
	srv, err := New(Config{Hostname: "127.0.0.1"}, newEchoService())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.Eventually(t, srv.active.Load, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, waitServe(t, done))
	assert.False(t, srv.active.Load())
}

func TestEveryConnectionServedOrRejectedExactlyOnce(t *testing.T) {
	const n = 20

	// Even peers are rejected by reading their first byte.
	auth := AuthenticatorFunc(func(conn net.Conn) (net.Conn, Credentials, error) {
		buf := make([]byte, 1)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, nil, err
		}
		if buf[0] == 'n' {
			return nil, nil, fmt.Errorf("peer said no: %w", ErrAuthenticationFailed)
		}
		return conn, string(buf), nil
	})

	svc := newEchoService()
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{Authenticator: auth}, svc, WithMetrics(m))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer func() { _ = conn.Close() }()

			if i%2 == 0 {
				_, _ = conn.Write([]byte{'n'})
				assert.True(t, closedByServer(conn))
				return
			}
			_, _ = conn.Write([]byte{'y'})
			line, err := echoLine(conn, "served")
			assert.NoError(t, err)
			assert.Equal(t, "served", line)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return m.closed.Load() == n }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(n), m.accepted.Load())
	assert.Equal(t, n/2, m.Rejected(metrics.RejectAuthFailed))
	assert.Equal(t, n/2, svc.Sessions())
	assert.Zero(t, srv.ActiveConnections())
}

func TestAuthenticationFailureSkipsSession(t *testing.T) {
	auth := AuthenticatorFunc(func(net.Conn) (net.Conn, Credentials, error) {
		return nil, nil, ErrAuthenticationFailed
	})
	svc := newEchoService()
	srv, _ := startServer(t, Config{Authenticator: auth}, svc)

	conn := dial(t, srv)
	expectClosed(t, conn)
	assert.Zero(t, svc.Sessions())
}

func TestCredentialsReachSession(t *testing.T) {
	auth := AuthenticatorFunc(func(conn net.Conn) (net.Conn, Credentials, error) {
		return conn, "alice", nil
	})
	protocol := map[string]any{"allow_public_attrs": true}
	svc := newEchoService()
	srv, _ := startServer(t, Config{Authenticator: auth, ProtocolConfig: protocol}, svc)

	conn := dial(t, srv)
	roundTrip(t, conn, "hi")

	cfg := svc.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "alice", cfg[CredentialsKey])
	assert.Equal(t, true, cfg["allow_public_attrs"])
	assert.NotContains(t, protocol, CredentialsKey, "server protocol config must not be modified")
}

func TestNoAuthenticatorYieldsNilCredentials(t *testing.T) {
	svc := newEchoService()
	srv, _ := startServer(t, Config{}, svc)

	roundTrip(t, dial(t, srv), "hi")

	cfg := svc.LastConfig()
	require.Contains(t, cfg, CredentialsKey)
	assert.Nil(t, cfg[CredentialsKey])
}

func TestAuthenticatorErrorIsHandlerFailure(t *testing.T) {
	auth := AuthenticatorFunc(func(net.Conn) (net.Conn, Credentials, error) {
		return nil, nil, errors.New("handshake exploded")
	})
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{Authenticator: auth}, newEchoService(), WithMetrics(m))

	expectClosed(t, dial(t, srv))
	require.Eventually(t, func() bool { return m.failures.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The server keeps accepting.
	conn := dial(t, srv)
	expectClosed(t, conn)
	assert.True(t, srv.active.Load())
}

func TestSessionPanicAffectsOnlyItsConnection(t *testing.T) {
	svc := newEchoService()
	svc.panicFirst.Store(true)
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{}, svc, WithMetrics(m))

	expectClosed(t, dial(t, srv))
	assert.Equal(t, "still up", roundTrip(t, dial(t, srv), "still up"))
	assert.Equal(t, int32(1), m.failures.Load())
}

func TestRegistrarLoop(t *testing.T) {
	reg := &fakeRegistrar{interval: 20 * time.Millisecond}
	reg.fail.Store(true)
	srv, done := startServer(t, Config{Registrar: reg}, newEchoService())

	// Failing registrations are retried on every interval.
	require.Eventually(t, func() bool { return reg.registers.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, srv.active.Load())

	reg.mu.Lock()
	assert.Equal(t, []string{"ECHO", "MIRROR"}, reg.aliases)
	assert.Equal(t, srv.Port(), reg.port)
	reg.mu.Unlock()

	// Unregister fails too; Close must still succeed.
	require.NoError(t, srv.Close())
	require.NoError(t, waitServe(t, done))
	assert.Equal(t, int32(1), reg.unregister.Load())

	after := reg.registers.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, reg.registers.Load(), "loop must stop after Close")
}

func TestRegistrarRegistersWithinFirstInterval(t *testing.T) {
	reg := &fakeRegistrar{interval: time.Hour}
	startServer(t, Config{Registrar: reg}, newEchoService())

	require.Eventually(t, func() bool { return reg.registers.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAutoRegisterDisabled(t *testing.T) {
	reg := &fakeRegistrar{interval: 10 * time.Millisecond}
	srv, done := startServer(t, Config{Registrar: reg, AutoRegister: boolPtr(false)}, newEchoService())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, srv.Close())
	require.NoError(t, waitServe(t, done))

	assert.Zero(t, reg.registers.Load())
	assert.Zero(t, reg.unregister.Load())
}

func TestAcceptRateLimit(t *testing.T) {
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{MaxConnectionsPerSecond: 1}, newEchoService(), WithMetrics(m))

	first := dial(t, srv)
	assert.Equal(t, "a", roundTrip(t, first, "a"))

	second := dial(t, srv)
	expectClosed(t, second)
	assert.Equal(t, 1, m.Rejected(metrics.RejectRateLimited))
}

func TestDispatchFailureReleasesConnection(t *testing.T) {
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{}, newEchoService(), WithStrategy(failingStrategy{}), WithMetrics(m))

	expectClosed(t, dial(t, srv))
	require.Eventually(t, func() bool { return m.Rejected(metrics.RejectOverloaded) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, srv.ActiveConnections())
	assert.True(t, srv.active.Load())
}

type failingStrategy struct{}

func (failingStrategy) Name() string               { return "failing" }
func (failingStrategy) Start(Runner) error         { return nil }
func (failingStrategy) Dispatch(*ClientConn) error { return ErrOverloaded }
func (failingStrategy) Stop()                      {}

func TestStrategyStartFailureClosesServer(t *testing.T) {
	srv, err := New(Config{Hostname: "127.0.0.1"}, newEchoService(), WithStrategy(brokenStrategy{}))
	require.NoError(t, err)

	err = srv.Serve(context.Background())
	assert.Error(t, err)
	assert.False(t, srv.active.Load())
}

type brokenStrategy struct{ failingStrategy }

func (brokenStrategy) Start(Runner) error { return errors.New("no workers") }

// stuckService runs sessions that ignore both their socket and ctx until
// release is closed.
type stuckService struct {
	started chan struct{}
	release chan struct{}
}

func (s *stuckService) Name() string      { return "stuck" }
func (s *stuckService) Aliases() []string { return nil }

func (s *stuckService) NewSession(net.Conn, map[string]any) Session {
	return sessionFunc(func(context.Context) error {
		s.started <- struct{}{}
		<-s.release
		return nil
	})
}

func TestDrainWaitsForThreadedConnections(t *testing.T) {
	svc := &stuckService{started: make(chan struct{}, 1), release: make(chan struct{})}
	threaded := NewThreaded()
	srv, done := startServer(t, Config{}, svc, WithStrategy(threaded))

	dial(t, srv)
	select {
	case <-svc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
	}

	require.NoError(t, srv.Close())
	require.NoError(t, waitServe(t, done))

	assert.False(t, Drain(threaded, 50*time.Millisecond), "session is still running")

	close(svc.release)
	assert.True(t, Drain(threaded, 5*time.Second))
}

func TestDrainPooledAfterClose(t *testing.T) {
	pooled := NewPooled(2)
	srv, done := startServer(t, Config{}, newEchoService(), WithStrategy(pooled))

	conn := dial(t, srv)
	assert.Equal(t, "ping", roundTrip(t, conn, "ping"))

	require.NoError(t, srv.Close())
	require.NoError(t, waitServe(t, done))
	assert.True(t, Drain(pooled, 5*time.Second))
}

func TestDrainWithoutInProcessConnections(t *testing.T) {
	var s Strategy = &forkLike{}
	assert.True(t, Drain(s, time.Millisecond))
}

// forkLike is a strategy whose connections never run in this process.
type forkLike struct{}

func (*forkLike) Name() string               { return "forklike" }
func (*forkLike) Start(Runner) error         { return nil }
func (*forkLike) Dispatch(*ClientConn) error { return nil }
func (*forkLike) Stop()                      {}

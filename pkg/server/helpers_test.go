package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoService echoes every byte back and records what each session saw.
type echoService struct {
	mu       sync.Mutex
	sessions int
	configs  []map[string]any

	// panicFirst makes the first session panic
	panicFirst atomic.Bool
}

func newEchoService() *echoService {
	return &echoService{}
}

func (s *echoService) Name() string      { return "echo" }
func (s *echoService) Aliases() []string { return []string{"ECHO", "MIRROR"} }

func (s *echoService) NewSession(conn net.Conn, config map[string]any) Session {
	s.mu.Lock()
	s.sessions++
	s.configs = append(s.configs, config)
	s.mu.Unlock()

	if s.panicFirst.CompareAndSwap(true, false) {
		return sessionFunc(func(context.Context) error { panic("session exploded") })
	}
	return sessionFunc(func(context.Context) error {
		_, err := io.Copy(conn, conn)
		return err
	})
}

func (s *echoService) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *echoService) LastConfig() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.configs) == 0 {
		return nil
	}
	return s.configs[len(s.configs)-1]
}

type sessionFunc func(ctx context.Context) error

func (f sessionFunc) Serve(ctx context.Context) error { return f(ctx) }

// pidService writes the serving process id, then echoes.
type pidService struct{}

func newPIDService() pidService { return pidService{} }

func (pidService) Name() string      { return "pid" }
func (pidService) Aliases() []string { return []string{"PID"} }

func (pidService) NewSession(conn net.Conn, _ map[string]any) Session {
	return sessionFunc(func(context.Context) error {
		if _, err := fmt.Fprintf(conn, "%d\n", os.Getpid()); err != nil {
			return err
		}
		_, err := io.Copy(conn, conn)
		return err
	})
}

// fakeRegistrar counts calls and can be made to fail.
type fakeRegistrar struct {
	interval   time.Duration
	registers  atomic.Int32
	unregister atomic.Int32
	fail       atomic.Bool

	mu      sync.Mutex
	aliases []string
	port    int
}

func (r *fakeRegistrar) Register(_ context.Context, aliases []string, port int) error {
	r.registers.Add(1)
	r.mu.Lock()
	r.aliases, r.port = aliases, port
	r.mu.Unlock()
	if r.fail.Load() {
		return errors.New("registry unreachable")
	}
	return nil
}

func (r *fakeRegistrar) Unregister(context.Context, int) error {
	r.unregister.Add(1)
	if r.fail.Load() {
		return errors.New("registry unreachable")
	}
	return nil
}

func (r *fakeRegistrar) ReregisterInterval() time.Duration { return r.interval }

// countingMetrics records the server metrics used by assertions.
type countingMetrics struct {
	accepted atomic.Int32
	closed   atomic.Int32
	failures atomic.Int32
	reaped   atomic.Int32

	mu       sync.Mutex
	rejected map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rejected: make(map[string]int)}
}

func (m *countingMetrics) RecordConnectionAccepted() { m.accepted.Add(1) }
func (m *countingMetrics) RecordConnectionRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}
func (m *countingMetrics) RecordConnectionClosed()                 { m.closed.Add(1) }
func (m *countingMetrics) SetActiveConnections(int32)              {}
func (m *countingMetrics) RecordHandlerFailure(string)             { m.failures.Add(1) }
func (m *countingMetrics) SetQueueDepth(int)                       {}
func (m *countingMetrics) RecordChildrenReaped(n int)              { m.reaped.Add(int32(n)) }
func (m *countingMetrics) RecordRegistration(op string, err error) {}

func (m *countingMetrics) Rejected(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[reason]
}

// startServer builds a loopback server and runs Serve in the background.
// The returned channel yields Serve's result.
func startServer(t *testing.T, cfg Config, svc Service, opts ...Option) (*Server, <-chan error) {
	t.Helper()

	if cfg.Hostname == "" {
		cfg.Hostname = "127.0.0.1"
	}
	srv, err := New(cfg, svc, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	require.Eventually(t, srv.active.Load, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, done
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// roundTrip writes msg and reads the echoed line back.
func roundTrip(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := fmt.Fprintf(conn, "%s\n", msg)
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

// expectClosed asserts the server side closed conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "connection was not closed by the server")
	}
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func boolPtr(b bool) *bool { return &b }

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

// echoLine is roundTrip for use off the test goroutine.
func echoLine(conn net.Conn, msg string) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", msg); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	return strings.TrimSpace(line), err
}

// closedByServer is expectClosed for use off the test goroutine.
func closedByServer(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return false
	}
	_, err := conn.Read(make([]byte, 1))
	var ne net.Error
	return err != nil && !(errors.As(err, &ne) && ne.Timeout())
}

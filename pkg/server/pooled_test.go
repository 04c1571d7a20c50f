package server

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner runs handle for every connection, without a server.
type fakeRunner struct {
	active activeFlag
	handle func(c *ClientConn) error
}

func newFakeRunner(handle func(c *ClientConn) error) *fakeRunner {
	r := &fakeRunner{handle: handle}
	r.active.start()
	return r
}

func (r *fakeRunner) Active() bool { return r.active.Load() }
func (r *fakeRunner) Handle(c *ClientConn) error {
	defer c.Release()
	return r.handle(c)
}
func (r *fakeRunner) Logger() *logger.Scoped         { return logger.Named("pool-test") }
func (r *fakeRunner) Metrics() metrics.ServerMetrics { return metrics.NewNoopServerMetrics() }

func pipeConn(t *testing.T) *ClientConn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	return newClientConn(a, nil, nil)
}

func newTestPool(size int, opts ...PooledOption) *Pooled {
	p := NewPooled(size, opts...)
	p.pollInterval = 20 * time.Millisecond
	p.failureBackoff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(5 * time.Millisecond)
	}
	return p
}

func TestNewPooledDefaults(t *testing.T) {
	p := NewPooled(0)
	assert.Equal(t, DefaultPoolSize, p.size)
	assert.Equal(t, DefaultPoolSize, cap(p.queue))
	assert.Equal(t, WorkerPollInterval, p.pollInterval)
	assert.Equal(t, WorkerFailureBackoff, p.failureBackoff().NextBackOff())
}

func TestPooledRejectsWhenWorkersAndQueueAreFull(t *testing.T) {
	const k = 2

	busy := make(chan struct{}, 2*k)
	release := make(chan struct{})
	r := newFakeRunner(func(*ClientConn) error {
		busy <- struct{}{}
		<-release
		return nil
	})
	defer close(release)

	p := newTestPool(k)
	require.NoError(t, p.Start(r))
	defer p.Stop()

	// Occupy every worker.
	for i := 0; i < k; i++ {
		require.NoError(t, p.Dispatch(pipeConn(t)))
	}
	for i := 0; i < k; i++ {
		<-busy
	}

	// Fill the queue.
	for i := 0; i < k; i++ {
		require.NoError(t, p.Dispatch(pipeConn(t)))
	}

	start := time.Now()
	err := p.Dispatch(pipeConn(t))
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "overload must not block")
}

func TestPooledHandoffOnlyRejectsNextConnection(t *testing.T) {
	const k = 3

	busy := make(chan struct{}, k)
	release := make(chan struct{})
	r := newFakeRunner(func(*ClientConn) error {
		busy <- struct{}{}
		<-release
		return nil
	})
	defer close(release)

	p := newTestPool(k, WithQueueSize(0))
	require.NoError(t, p.Start(r))
	defer p.Stop()

	// A hand-off only succeeds while some worker is waiting on the queue.
	for i := 0; i < k; i++ {
		c := pipeConn(t)
		require.Eventually(t, func() bool { return p.Dispatch(c) == nil }, 2*time.Second, time.Millisecond)
	}
	for i := 0; i < k; i++ {
		<-busy
	}

	assert.ErrorIs(t, p.Dispatch(pipeConn(t)), ErrOverloaded)
}

func TestPooledWorkerSurvivesFailures(t *testing.T) {
	var calls atomic.Int32
	served := make(chan struct{}, 1)
	r := newFakeRunner(func(*ClientConn) error {
		switch calls.Add(1) {
		case 1, 2, 3:
			return errors.New("bad client")
		case 4:
			panic("worse client")
		default:
			served <- struct{}{}
			return nil
		}
	})

	p := newTestPool(1)
	require.NoError(t, p.Start(r))
	defer p.Stop()

	for i := 0; i < 5; i++ {
		c := pipeConn(t)
		require.Eventually(t, func() bool { return p.Dispatch(c) == nil }, 2*time.Second, time.Millisecond)
		assert.Equal(t, 1, p.Workers())
	}

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not serve the connection after failures")
	}
	assert.Equal(t, 1, p.Workers())
}

func TestPooledWorkersExitWhenInactive(t *testing.T) {
	r := newFakeRunner(func(*ClientConn) error { return nil })

	p := newTestPool(4)
	require.NoError(t, p.Start(r))
	require.Eventually(t, func() bool { return p.Workers() == 4 }, time.Second, time.Millisecond)

	r.active.stop()
	require.Eventually(t, func() bool { return p.Workers() == 0 }, time.Second, 5*time.Millisecond)
	p.Wait()
}

// stoppingRunner reports active for the first n checks only, so a worker
// can take a connection off the queue after the server stopped.
type stoppingRunner struct {
	*fakeRunner
	checks atomic.Int32
	n      int32
}

func (r *stoppingRunner) Active() bool { return r.checks.Add(1) <= r.n }

func TestPooledWorkerReleasesQueuedConnectionAfterStop(t *testing.T) {
	var handled atomic.Int32
	r := &stoppingRunner{
		fakeRunner: newFakeRunner(func(*ClientConn) error {
			handled.Add(1)
			return nil
		}),
		n: 1,
	}

	a, b := net.Pipe()
	defer func() { _ = b.Close() }()

	p := newTestPool(1)
	p.queue <- newClientConn(a, nil, nil)
	require.NoError(t, p.Start(r))
	p.Wait()

	assert.Zero(t, handled.Load(), "a stopped pool must not serve queued connections")
	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "queued connection must be released")
}

func TestPooledStopWakesIdleWorkers(t *testing.T) {
	r := newFakeRunner(func(*ClientConn) error { return nil })

	p := NewPooled(2)
	require.NoError(t, p.Start(r))

	p.Stop()
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("workers did not exit on Stop")
	}
}

func TestPooledServerServesSequentially(t *testing.T) {
	pool := NewPooled(2)
	srv, _ := startServer(t, Config{}, newEchoService(), WithStrategy(pool))

	for i := 0; i < 6; i++ {
		conn := dial(t, srv)
		assert.Equal(t, "pooled", roundTrip(t, conn, "pooled"))
		_ = conn.Close()
	}
	assert.Equal(t, 2, pool.Workers())
}

func TestPooledServerRejectsOverload(t *testing.T) {
	pool := NewPooled(1, WithQueueSize(0))
	m := newCountingMetrics()
	srv, _ := startServer(t, Config{}, newEchoService(), WithStrategy(pool), WithMetrics(m))

	// Wait for the only worker to be waiting on the queue.
	time.Sleep(50 * time.Millisecond)

	first := dial(t, srv)
	assert.Equal(t, "mine", roundTrip(t, first, "mine"))

	second := dial(t, srv)
	expectClosed(t, second)
	assert.Equal(t, 1, m.Rejected(metrics.RejectOverloaded))

	// The occupied worker is unaffected.
	assert.Equal(t, "still mine", roundTrip(t, first, "still mine"))
}

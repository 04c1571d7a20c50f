package server

import (
	"sync/atomic"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/metrics"
)

const (
	// AcceptPollInterval bounds each wait of the accept loop so it observes
	// shutdown without relying on the listener being closed under it.
	AcceptPollInterval = 500 * time.Millisecond

	// WorkerPollInterval bounds each wait of a pool worker on the queue.
	WorkerPollInterval = time.Second

	// WorkerFailureBackoff is the pause of a pool worker after a failed
	// connection, before it takes the next one.
	WorkerFailureBackoff = 200 * time.Millisecond
)

// Strategy decides how an accepted connection reaches the authentication
// gate and the session.
//
// The Server calls Start once before accepting, Dispatch once per accepted
// connection in accept order, and Stop once from Close.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Start prepares the strategy to run connections through r.
	Start(r Runner) error

	// Dispatch hands c over to the strategy. It must not block on the
	// connection's service. A returned error means the strategy did not
	// take ownership; the caller releases c. ErrOverloaded signals
	// admission rejection.
	Dispatch(c *ClientConn) error

	// Stop releases strategy resources. Called even if Start never ran.
	Stop()
}

// Runner is the server side of a Strategy: the shared gate and servicer
// pipeline plus the shutdown state.
type Runner interface {
	// Active reports whether the server is still running. Once false it
	// never becomes true again.
	Active() bool

	// Handle authenticates and serves c, releasing it on every path.
	Handle(c *ClientConn) error

	Logger() *logger.Scoped
	Metrics() metrics.ServerMetrics
}

// activeFlag is the server's running state, shared by the accept loop,
// every pool worker and the registrar loop.
type activeFlag struct {
	v atomic.Bool
}

func (f *activeFlag) Load() bool { return f.v.Load() }

func (f *activeFlag) start() { f.v.Store(true) }

// stop clears the flag. Reports whether this call made the transition.
func (f *activeFlag) stop() bool { return f.v.CompareAndSwap(true, false) }

// Drain waits up to timeout for the connections a stopped strategy is still
// running in this process. Strategies without in-process connections
// (forking) drain immediately. Reports whether everything returned in time.
func Drain(s Strategy, timeout time.Duration) bool {
	w, ok := s.(interface{ Wait() })
	if !ok {
		return true
	}

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

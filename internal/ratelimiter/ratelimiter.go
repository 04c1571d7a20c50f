package ratelimiter

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter throttles how fast the accept loop admits new connections.
//
// It wraps golang.org/x/time/rate (token bucket): tokens refill at
// connectionsPerSecond and the bucket holds up to burst tokens. Each admitted
// connection consumes one token. Admit never blocks, so the accept loop can
// reject-fast under a connection storm the same way the pooled strategy
// rejects on a full queue.
//
// A nil *Limiter admits everything, which lets callers keep a single code
// path whether or not limiting is configured.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter  *rate.Limiter
	rejected atomic.Uint64
}

// New creates a Limiter. Returns nil when connectionsPerSecond is 0
// (unlimited). A burst of 0 defaults to connectionsPerSecond.
func New(connectionsPerSecond, burst uint) *Limiter {
	if connectionsPerSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = connectionsPerSecond
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(connectionsPerSecond), int(burst)),
	}
}

// Admit reports whether one more connection may be admitted now.
// A false result is counted in Rejected.
func (l *Limiter) Admit() bool {
	if l == nil {
		return true
	}
	if l.limiter.Allow() {
		return true
	}
	l.rejected.Add(1)
	return false
}

// Rejected returns how many Admit calls returned false.
func (l *Limiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

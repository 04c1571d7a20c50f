package server

import (
	"fmt"
	"maps"
	"time"
)

// DefaultPoolSize is the number of workers of a pooled strategy built with
// a size of zero.
const DefaultPoolSize = 20

// DefaultBacklog is the listen backlog used when none is configured.
const DefaultBacklog = 10

// Config holds the construction-time settings of a Server.
//
// Config is copied by New and never modified afterwards; changing the
// caller's copy has no effect on a running server.
//
// Default values (applied by New if zero):
//   - Backlog: 10
//   - ReuseAddress: true
//   - PoolSize: 20
//   - ShutdownTimeout: 5s
//   - AutoRegister: true iff Registrar is set
type Config struct {
	// Hostname is the bind address. Empty binds every interface.
	// With IPv6 set, "localhost" binds the IPv6 loopback ::1.
	Hostname string

	// Port is the TCP port to bind. 0 lets the OS pick an ephemeral port;
	// the resolved port is available from Server.Port.
	Port int

	// IPv6 selects the tcp6 family instead of tcp4.
	IPv6 bool

	// Backlog is the listen(2) backlog. The kernel caps it at somaxconn.
	// Not applied on Windows.
	Backlog int

	// ReuseAddress sets SO_REUSEADDR on the listener so a restarted server
	// can rebind a port left in TIME_WAIT. nil means true. It is applied
	// only where reuse does not allow binding a port already in use (never
	// on Windows).
	ReuseAddress *bool

	// Authenticator validates each accepted connection. nil accepts every
	// connection with nil credentials.
	Authenticator Authenticator

	// Registrar announces the service to a registry. nil disables registration.
	Registrar Registrar

	// AutoRegister enables the background registration loop and the
	// unregister call on Close. nil means "register iff Registrar is set".
	AutoRegister *bool

	// ProtocolConfig is handed to every session, merged with the key
	// "credentials" holding the value returned by the Authenticator.
	ProtocolConfig map[string]any

	// PoolSize is the worker count used by NewPooled when built through
	// configuration. Carried here so it is validated with the rest.
	PoolSize int

	// MaxConnectionsPerSecond throttles admission in the accept loop.
	// Connections above the rate are closed immediately. 0 is unlimited.
	MaxConnectionsPerSecond uint

	// ShutdownTimeout bounds the unregister call made by Close.
	ShutdownTimeout time.Duration

	// MetricsLogInterval is the interval of the "active_connections" log
	// line. 0 disables it.
	MetricsLogInterval time.Duration
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.ReuseAddress == nil {
		reuse := true
		c.ReuseAddress = &reuse
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.AutoRegister == nil {
		auto := c.Registrar != nil
		c.AutoRegister = &auto
	}
	c.ProtocolConfig = maps.Clone(c.ProtocolConfig)
}

// validate checks that the configuration can be bound.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.Backlog < 0 {
		return fmt.Errorf("invalid backlog %d: must be >= 0", c.Backlog)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("invalid pool size %d: must be >= 0", c.PoolSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout %v: must be >= 0", c.ShutdownTimeout)
	}
	if c.MetricsLogInterval < 0 {
		return fmt.Errorf("invalid metrics log interval %v: must be >= 0", c.MetricsLogInterval)
	}
	if *c.AutoRegister && c.Registrar == nil {
		return fmt.Errorf("auto-register requires a registrar")
	}
	return nil
}

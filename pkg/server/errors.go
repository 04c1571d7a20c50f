package server

import (
	"errors"
	"fmt"
)

var (
	// ErrListenerClosed ends the accept loop. Any accept failure other than a
	// poll timeout or an interrupted wait is reported as this error, which is
	// also how a concurrent Close unblocks Serve.
	ErrListenerClosed = errors.New("listener closed")

	// ErrOverloaded is returned by Strategy.Dispatch when the strategy cannot
	// take another connection right now. The caller closes the connection.
	ErrOverloaded = errors.New("server is overloaded")

	// ErrAuthenticationFailed is returned (possibly wrapped) by an
	// Authenticator that rejects a peer. The connection is closed and the
	// rejection is logged; it never reaches the session.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnsupportedPlatform is returned when the forking strategy is
	// requested on a platform without process spawning and child reaping.
	ErrUnsupportedPlatform = errors.New("forking strategy is not supported on this platform")

	// ErrServerStarted is returned by a second call to Serve.
	ErrServerStarted = errors.New("server already started")
)

// HandlerError reports a failure inside one connection's gate and session
// pipeline. It only ever affects that connection.
type HandlerError struct {
	// Peer is the remote address of the failed connection
	Peer string

	// Err is the underlying failure
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Peer, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

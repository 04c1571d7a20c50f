package server

import (
	"errors"
	"net"

	"github.com/marmos91/rpcgate/pkg/metrics"
)

// Credentials is the opaque value an Authenticator attaches to a connection.
type Credentials any

// Authenticator validates a freshly accepted connection.
//
// On success it returns the connection the session must use (possibly a
// wrapper such as a TLS conn) and the peer's credentials. To reject a peer
// it returns an error wrapping ErrAuthenticationFailed; any other error is
// treated as a handler failure.
type Authenticator interface {
	Authenticate(conn net.Conn) (net.Conn, Credentials, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(conn net.Conn) (net.Conn, Credentials, error)

func (f AuthenticatorFunc) Authenticate(conn net.Conn) (net.Conn, Credentials, error) {
	return f(conn)
}

// errRejected marks a connection closed by the gate. It never leaves the
// pipeline.
var errRejected = errors.New("connection rejected")

// authenticate runs the gate for one connection.
//
// Returns the connection to serve and its credentials, errRejected when the
// authenticator refused the peer, or a *HandlerError.
func (p *pipeline) authenticate(c *ClientConn) (net.Conn, Credentials, error) {
	if p.auth == nil {
		return c.Conn, nil, nil
	}

	conn, creds, err := p.auth.Authenticate(c.Conn)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			p.log.Info("[%s] failed to authenticate, rejecting connection: %v", c.Peer(), err)
			p.metrics.RecordConnectionRejected(metrics.RejectAuthFailed)
			return nil, nil, errRejected
		}
		return nil, nil, &HandlerError{Peer: c.Peer(), Err: err}
	}
	if conn == nil {
		conn = c.Conn
	}

	p.log.Info("[%s] authenticated successfully", c.Peer())
	return conn, creds, nil
}

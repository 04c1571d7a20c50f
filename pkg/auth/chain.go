package auth

import (
	"net"

	"github.com/marmos91/rpcgate/pkg/server"
)

// Chain runs authenticators in order, each on the connection returned by
// the previous one. The first failure stops the chain and is returned
// as is. The credentials of the last authenticator that produced any are
// the result.
type Chain []server.Authenticator

// Authenticate implements server.Authenticator.
func (c Chain) Authenticate(conn net.Conn) (net.Conn, server.Credentials, error) {
	var creds server.Credentials
	for _, a := range c {
		next, got, err := a.Authenticate(conn)
		if err != nil {
			return nil, nil, err
		}
		if next != nil {
			conn = next
		}
		if got != nil {
			creds = got
		}
	}
	return conn, creds, nil
}

var _ server.Authenticator = Chain(nil)

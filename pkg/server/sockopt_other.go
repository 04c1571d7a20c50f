//go:build !unix

package server

import (
	"net"
	"syscall"
)

// On Windows SO_REUSEADDR lets a second socket bind a port that is already
// in use, so it is never applied.
func reuseAddressSupported() bool { return false }

func reuseAddressControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

// The runtime's backlog (SOMAXCONN) is kept.
func setBacklog(*net.TCPListener, int) error { return nil }

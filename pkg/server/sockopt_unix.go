//go:build unix

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddressSupported() bool { return true }

func reuseAddressControl(enable bool) func(network, address string, c syscall.RawConn) error {
	value := 0
	if enable {
		value = 1
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, value)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// listenSyscall is unix.Listen; tests replace it to observe the backlog.
var listenSyscall = unix.Listen

// setBacklog calls listen(2) again on the bound socket. Linux and the BSDs
// resize the accept queue of a listening socket in place.
func setBacklog(ln *net.TCPListener, backlog int) error {
	rc, err := ln.SyscallConn()
	if err != nil {
		return err
	}

	var listenErr error
	err = rc.Control(func(fd uintptr) {
		listenErr = listenSyscall(int(fd), backlog)
	})
	if err != nil {
		return err
	}
	return listenErr
}

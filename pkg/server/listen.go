package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
)

// BoundAddress is the (host, port) pair the OS actually bound.
type BoundAddress struct {
	Host string
	Port int
}

func (a BoundAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// listen binds the listener described by cfg.
//
// The address family follows cfg.IPv6. An IPv6 "localhost" binds ::1
// directly so the name cannot resolve to an IPv4 address. SO_REUSEADDR is
// set to cfg.ReuseAddress where reuseAddressSupported reports true, and the
// listen backlog is set to cfg.Backlog once the socket is bound.
func listen(cfg *Config) (*net.TCPListener, BoundAddress, error) {
	network := "tcp4"
	host := cfg.Hostname
	if cfg.IPv6 {
		network = "tcp6"
		if host == "localhost" && runtime.GOOS != "windows" {
			host = "::1"
		}
	}

	var lc net.ListenConfig
	if reuseAddressSupported() {
		lc.Control = reuseAddressControl(*cfg.ReuseAddress)
	}

	address := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	ln, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, BoundAddress{}, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, BoundAddress{}, fmt.Errorf("unexpected listener type %T", ln)
	}

	if err := setBacklog(tcp, cfg.Backlog); err != nil {
		_ = tcp.Close()
		return nil, BoundAddress{}, fmt.Errorf("failed to set backlog %d on %s: %w", cfg.Backlog, address, err)
	}

	addr := tcp.Addr().(*net.TCPAddr)
	return tcp, BoundAddress{Host: addr.IP.String(), Port: addr.Port}, nil
}

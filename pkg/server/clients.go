package server

import (
	"net"
	"sync"
)

// ClientConn is an accepted connection owned by the server.
//
// A ClientConn sits in the server's client set from accept until Release.
// Release runs exactly once no matter how many cleanup paths reach it
// (normal completion, authentication failure, dispatch rejection, or
// forced shutdown by Close).
type ClientConn struct {
	net.Conn

	peer    string
	clients *clientSet
	once    sync.Once
	onClose func()
}

func newClientConn(conn net.Conn, clients *clientSet, onClose func()) *ClientConn {
	c := &ClientConn{
		Conn:    conn,
		peer:    conn.RemoteAddr().String(),
		clients: clients,
		onClose: onClose,
	}
	if clients != nil {
		clients.add(c)
	}
	return c
}

// Peer returns the remote address captured at accept time.
func (c *ClientConn) Peer() string {
	return c.peer
}

// Release shuts the socket down in both directions, closes it and removes
// it from the client set. Safe to call any number of times.
func (c *ClientConn) Release() {
	c.once.Do(func() {
		shutdown(c.Conn)
		_ = c.Conn.Close()
		c.forget()
	})
}

// Detach closes this process's handle without shutting the socket down and
// removes it from the client set. Used once another process owns a
// duplicate of the socket.
func (c *ClientConn) Detach() {
	c.once.Do(func() {
		_ = c.Conn.Close()
		c.forget()
	})
}

func (c *ClientConn) forget() {
	if c.clients != nil {
		c.clients.remove(c)
	}
	if c.onClose != nil {
		c.onClose()
	}
}

// shutdown disables further sends and receives so a peer blocked on the
// socket observes EOF even if another handle to it is still open.
func shutdown(conn net.Conn) {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
}

// clientSet tracks every live ClientConn so Close can force them down.
type clientSet struct {
	mu    sync.Mutex
	conns map[*ClientConn]struct{}
}

func newClientSet() *clientSet {
	return &clientSet{conns: make(map[*ClientConn]struct{})}
}

func (s *clientSet) add(c *ClientConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *clientSet) remove(c *ClientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *clientSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// releaseAll empties the set and releases every connection it held.
// Returns the number of connections released.
func (s *clientSet) releaseAll() int {
	s.mu.Lock()
	conns := make([]*ClientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.Release()
	}
	return len(conns)
}

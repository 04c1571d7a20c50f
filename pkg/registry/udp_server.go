package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
)

// UDPServer is a registry that servers announce themselves to with a
// UDPRegistrar and clients query with Lookup.
//
// Entries are keyed by the sender's IP and the announced port, and expire
// when not refreshed within the table TTL.
//
// Thread safety:
// Serve runs on one goroutine; Close may be called from any goroutine.
type UDPServer struct {
	conn  net.PacketConn
	table *Table
	log   *logger.Scoped

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPServer binds address (host:port, port 0 picks an ephemeral port).
// A ttl of 0 selects DefaultTTL.
func NewUDPServer(address string, ttl time.Duration) (*UDPServer, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to listen on %s: %w", address, err)
	}

	return &UDPServer{
		conn:   conn,
		table:  NewTable(ttl),
		log:    logger.Named(fmt.Sprintf("registry/%s", conn.LocalAddr())),
		closed: make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Table returns the registrations held by the server.
func (s *UDPServer) Table() *Table {
	return s.table
}

// Serve answers datagrams until ctx is cancelled or Close is called, and
// prunes expired entries once per TTL. Returns nil on a requested stop.
func (s *UDPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	go s.pruneLoop()

	s.log.Info("registry server listening on %s", s.conn.LocalAddr())

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("registry: read failed: %w", err)
		}

		req, err := decodeRequest(buf[:n])
		if err != nil {
			s.log.Debug("dropping datagram from %s: %v", from, err)
			continue
		}
		s.handle(req, from)
	}
}

func (s *UDPServer) handle(req *wireRequest, from net.Addr) {
	host := hostOf(from)

	switch req.Op {
	case opRegister:
		aliases := NormalizeAliases(req.Aliases)
		s.log.Info("registering %s:%d as %v", host, req.Port, aliases)
		s.table.Add(Registration{InstanceID: req.InstanceID, Host: host, Port: int(req.Port)}, aliases)
		s.reply(from, &wireReply{Magic: wireMagic, Op: opRegister, Status: statusOK})

	case opUnregister:
		n := s.table.Remove(host, int(req.Port))
		s.log.Info("unregistering %s:%d (%d entries)", host, req.Port, n)

	case opList:
		var entries []wireEntry
		for _, alias := range req.Aliases {
			for _, reg := range s.table.Lookup(alias) {
				entries = append(entries, entryFromRegistration(reg))
			}
		}
		s.reply(from, &wireReply{Magic: wireMagic, Op: opList, Status: statusOK, Entries: entries})

	default:
		s.log.Debug("unknown op %d from %s", req.Op, from)
		s.reply(from, &wireReply{Magic: wireMagic, Op: req.Op, Status: statusError, Message: fmt.Sprintf("unknown op %d", req.Op)})
	}
}

func (s *UDPServer) reply(to net.Addr, reply *wireReply) {
	data, err := encodeXDR(reply)
	if err != nil {
		s.log.Error("failed to encode reply: %v", err)
		return
	}
	if _, err := s.conn.WriteTo(data, to); err != nil {
		s.log.Warn("failed to reply to %s: %v", to, err)
	}
}

func (s *UDPServer) pruneLoop() {
	ticker := time.NewTicker(s.table.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if n := s.table.Prune(); n > 0 {
				s.log.Debug("pruned %d expired registrations", n)
			}
		}
	}
}

// Close stops Serve. It is safe to call more than once.
func (s *UDPServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		if v4 := udp.IP.To4(); v4 != nil {
			return v4.String()
		}
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/marmos91/rpcgate/internal/logger"
)

// DefaultUDPPort is the registry server port.
const DefaultUDPPort = 18811

// DefaultUDPTimeout bounds the wait for a registry reply.
const DefaultUDPTimeout = 2 * time.Second

// UDPConfig configures a UDPRegistrar.
type UDPConfig struct {
	// Address of the registry server, host:port. A broadcast address
	// reaches every registry on the segment. Default: 255.255.255.255:18811.
	Address string

	// Timeout bounds the wait for a reply. Default: DefaultUDPTimeout.
	Timeout time.Duration

	// Interval between registrations. Default: DefaultReregisterInterval.
	Interval time.Duration
}

// UDPRegistrar registers with a UDP registry server (see UDPServer).
//
// The registry records the sender's IP address as the endpoint host, so a
// server behind NAT is registered under its translated address.
//
// Register waits for an acknowledgement; Unregister is fire-and-forget.
type UDPRegistrar struct {
	addr       *net.UDPAddr
	timeout    time.Duration
	interval   time.Duration
	instanceID string
}

// NewUDPRegistrar resolves the registry address.
func NewUDPRegistrar(cfg UDPConfig) (*UDPRegistrar, error) {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf("255.255.255.255:%d", DefaultUDPPort)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultUDPTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReregisterInterval
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid registry address %q: %w", cfg.Address, err)
	}

	return &UDPRegistrar{
		addr:       addr,
		timeout:    cfg.Timeout,
		interval:   cfg.Interval,
		instanceID: NewInstanceID(),
	}, nil
}

// Register implements server.Registrar.
func (r *UDPRegistrar) Register(ctx context.Context, aliases []string, port int) error {
	aliases = NormalizeAliases(aliases)
	logger.Info("registry: registering %v on port %d with %s", aliases, port, r.addr)

	reply, err := r.roundTrip(ctx, &wireRequest{
		Magic:      wireMagic,
		Op:         opRegister,
		InstanceID: r.instanceID,
		Aliases:    aliases,
		Port:       uint32(port),
	})
	if err != nil {
		return fmt.Errorf("registry: register failed: %w", err)
	}
	if reply.Status != statusOK {
		return fmt.Errorf("registry: register rejected: %s", reply.Message)
	}

	logger.Debug("registry: registration acknowledged")
	return nil
}

// Unregister implements server.Registrar.
func (r *UDPRegistrar) Unregister(ctx context.Context, port int) error {
	logger.Info("registry: unregistering port %d with %s", port, r.addr)

	data, err := encodeXDR(&wireRequest{
		Magic:      wireMagic,
		Op:         opUnregister,
		InstanceID: r.instanceID,
		Port:       uint32(port),
	})
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.WriteTo(data, r.addr); err != nil {
		return fmt.Errorf("registry: unregister failed: %w", err)
	}
	return nil
}

// ReregisterInterval implements server.Registrar.
func (r *UDPRegistrar) ReregisterInterval() time.Duration {
	return r.interval
}

// Lookup asks the registry for the endpoints serving alias.
func (r *UDPRegistrar) Lookup(ctx context.Context, alias string) ([]Registration, error) {
	reply, err := r.roundTrip(ctx, &wireRequest{
		Magic:   wireMagic,
		Op:      opList,
		Aliases: []string{alias},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: lookup failed: %w", err)
	}
	if reply.Status != statusOK {
		return nil, fmt.Errorf("registry: lookup rejected: %s", reply.Message)
	}

	regs := make([]Registration, 0, len(reply.Entries))
	for _, e := range reply.Entries {
		regs = append(regs, e.registration())
	}
	return regs, nil
}

// roundTrip sends req and waits for the matching reply until the timeout,
// ctx's deadline or ctx's cancellation, whichever comes first. Datagrams
// that do not decode as a reply to req's operation are ignored.
func (r *UDPRegistrar) roundTrip(ctx context.Context, req *wireRequest) (*wireReply, error) {
	data, err := encodeXDR(req)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.WriteTo(data, r.addr); err != nil {
		return nil, err
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("no reply from %s within %v", r.addr, r.timeout)
			}
			return nil, err
		}

		reply, err := decodeReply(buf[:n])
		if err != nil || reply.Op != req.Op {
			continue
		}
		return reply, nil
	}
}

func (e wireEntry) registration() Registration {
	return Registration{
		InstanceID:   e.InstanceID,
		Alias:        e.Alias,
		Host:         e.Host,
		Port:         int(e.Port),
		RegisteredAt: time.Unix(0, e.RegisteredAt),
		ExpiresAt:    time.Unix(0, e.ExpiresAt),
	}
}

func entryFromRegistration(r Registration) wireEntry {
	return wireEntry{
		InstanceID:   r.InstanceID,
		Alias:        r.Alias,
		Host:         r.Host,
		Port:         uint32(r.Port),
		RegisteredAt: r.RegisteredAt.UnixNano(),
		ExpiresAt:    r.ExpiresAt.UnixNano(),
	}
}

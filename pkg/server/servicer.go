package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"syscall"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/metrics"
)

// CredentialsKey is the ProtocolConfig key carrying the authenticated
// credentials into each session.
const CredentialsKey = "credentials"

// Session runs one protocol conversation over a validated connection.
type Session interface {
	// Serve blocks until the peer disconnects, ctx is cancelled, or the
	// protocol fails. A clean disconnect may be reported as nil, io.EOF or
	// net.ErrClosed.
	Serve(ctx context.Context) error
}

// SessionFactory builds a Session for a validated connection.
//
// config is a private copy of the server's ProtocolConfig with
// CredentialsKey set; the factory may keep or modify it.
type SessionFactory interface {
	NewSession(conn net.Conn, config map[string]any) Session
}

// Service is what a server exposes: a name for logging, the aliases it
// registers under, and the protocol sessions it runs.
type Service interface {
	Name() string
	Aliases() []string
	SessionFactory
}

// pipeline is the gate and servicer shared by every strategy. It is the
// Runner the Server hands to its Strategy.
type pipeline struct {
	ctx            context.Context
	active         *activeFlag
	service        Service
	auth           Authenticator
	protocolConfig map[string]any
	log            *logger.Scoped
	metrics        metrics.ServerMetrics
	strategy       string
}

func (p *pipeline) Active() bool                   { return p.active.Load() }
func (p *pipeline) Logger() *logger.Scoped         { return p.log }
func (p *pipeline) Metrics() metrics.ServerMetrics { return p.metrics }

// Handle authenticates c and serves it to completion.
//
// c is released on every path, including a panic inside the authenticator
// or the session, which is recovered and returned as a *HandlerError.
// Returns nil when the session ended normally or the peer was rejected by
// the authenticator.
func (p *pipeline) Handle(c *ClientConn) (err error) {
	defer c.Release()
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Peer: c.Peer(), Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			p.metrics.RecordHandlerFailure(p.strategy)
		}
	}()

	conn, creds, err := p.authenticate(c)
	if errors.Is(err, errRejected) {
		return nil
	}
	if err != nil {
		return err
	}
	if conn != c.Conn {
		defer func() { _ = conn.Close() }()
	}

	return p.serve(conn, c.Peer(), creds)
}

// serve runs the protocol session for one validated connection.
func (p *pipeline) serve(conn net.Conn, peer string, creds Credentials) error {
	if creds != nil {
		p.log.Info("welcome [%s] (%v)", peer, creds)
	} else {
		p.log.Info("welcome [%s]", peer)
	}
	defer p.log.Info("goodbye [%s]", peer)

	config := maps.Clone(p.protocolConfig)
	if config == nil {
		config = make(map[string]any, 1)
	}
	config[CredentialsKey] = creds

	err := p.service.NewSession(conn, config).Serve(p.ctx)
	if err == nil || isDisconnect(err) {
		return nil
	}

	p.log.Error("[%s] client connection terminated abruptly: %v", peer, err)
	return &HandlerError{Peer: peer, Err: err}
}

// isDisconnect reports whether err only says the connection went away:
// peer hang-up, a socket closed by shutdown, or the server context ending.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

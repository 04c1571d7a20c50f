package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.lsp.dev/jsonrpc2"
)

// Client calls methods on a JSON-RPC session.
//
// Thread safety:
// Call may be used from multiple goroutines; replies are matched by ID.
type Client struct {
	netConn net.Conn
	conn    jsonrpc2.Conn
}

// NewClient starts a client over an established connection. Requests
// initiated by the server side are answered with "method not found".
func NewClient(conn net.Conn) *Client {
	c := jsonrpc2.NewConn(jsonrpc2.NewStream(conn))
	c.Go(context.Background(), jsonrpc2.MethodNotFoundHandler)
	return &Client{netConn: conn, conn: c}
}

// Dial connects to address over TCP, or over TLS when tlsConfig is set.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewClient(conn), nil
}

// Call invokes method and decodes the result into result, which may be nil.
// Errors returned by the server are *jsonrpc2.Error values.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	_, err := c.conn.Call(ctx, method, params, result)
	return err
}

// Notify sends method without waiting for, or receiving, a reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.conn.Notify(ctx, method, params)
}

// Done is closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.conn.Done()
	return err
}

// LocalAddr returns the client side address of the connection.
func (c *Client) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

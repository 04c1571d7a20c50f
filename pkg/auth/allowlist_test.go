package auth

import (
	"errors"
	"net"
	"testing"

	"github.com/marmos91/rpcgate/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addrConn is a net.Conn reporting a fixed remote address.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func connFrom(ip string) net.Conn {
	return addrConn{remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}}
}

func TestAllowlist(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		denied  []string
		client  string
		want    bool
	}{
		{name: "empty lists admit everyone", client: "203.0.113.7", want: true},
		{name: "cidr match", allowed: []string{"192.168.1.0/24"}, client: "192.168.1.42", want: true},
		{name: "cidr miss", allowed: []string{"192.168.1.0/24"}, client: "192.168.2.1", want: false},
		{name: "exact ip", allowed: []string{"10.0.0.5"}, client: "10.0.0.5", want: true},
		{name: "exact ip miss", allowed: []string{"10.0.0.5"}, client: "10.0.0.6", want: false},
		{name: "deny wins over allow", allowed: []string{"192.168.1.0/24"}, denied: []string{"192.168.1.100"}, client: "192.168.1.100", want: false},
		{name: "deny only", denied: []string{"172.16.0.0/12"}, client: "172.20.1.1", want: false},
		{name: "deny only other address", denied: []string{"172.16.0.0/12"}, client: "8.8.8.8", want: true},
		{name: "ipv6", allowed: []string{"::1"}, client: "::1", want: true},
		{name: "ipv4 mapped", allowed: []string{"127.0.0.0/8"}, client: "::ffff:127.0.0.1", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAllowlist(tt.allowed, tt.denied)
			require.NoError(t, err)

			conn, creds, err := a.Authenticate(connFrom(tt.client))
			if !tt.want {
				require.Error(t, err)
				assert.True(t, errors.Is(err, server.ErrAuthenticationFailed))
				assert.Nil(t, conn)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, conn)
			pc, ok := creds.(PeerCredentials)
			require.True(t, ok)
			assert.Equal(t, "allowlist", pc.Method)
			assert.Equal(t, net.ParseIP(tt.client).String(), pc.Address)
		})
	}
}

func TestAllowlistInvalidPattern(t *testing.T) {
	_, err := NewAllowlist([]string{"not-an-ip"}, nil)
	assert.ErrorContains(t, err, "invalid allowed client")

	_, err = NewAllowlist(nil, []string{"10.0.0.0/99"})
	assert.ErrorContains(t, err, "invalid denied client")
}

func TestAllowlistUnknownAddress(t *testing.T) {
	a, err := NewAllowlist(nil, nil)
	require.NoError(t, err)

	_, _, err = a.Authenticate(addrConn{remote: nil})
	assert.True(t, errors.Is(err, server.ErrAuthenticationFailed))
}

func TestChain(t *testing.T) {
	allow, err := NewAllowlist([]string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)

	wrapped := connFrom("10.1.2.3")
	tagger := server.AuthenticatorFunc(func(conn net.Conn) (net.Conn, server.Credentials, error) {
		return conn, "tagged", nil
	})
	silent := server.AuthenticatorFunc(func(conn net.Conn) (net.Conn, server.Credentials, error) {
		return wrapped, nil, nil
	})

	conn, creds, err := Chain{allow, tagger, silent}.Authenticate(connFrom("10.9.9.9"))
	require.NoError(t, err)
	assert.Equal(t, "tagged", creds)
	assert.Equal(t, wrapped, conn)

	called := false
	never := server.AuthenticatorFunc(func(conn net.Conn) (net.Conn, server.Credentials, error) {
		called = true
		return conn, nil, nil
	})
	_, _, err = Chain{allow, never}.Authenticate(connFrom("192.0.2.1"))
	assert.True(t, errors.Is(err, server.ErrAuthenticationFailed))
	assert.False(t, called, "chain stops at the first rejection")
}

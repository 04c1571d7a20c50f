package auth

import (
	"fmt"
	"net"

	"github.com/marmos91/rpcgate/pkg/server"
)

// PeerCredentials identifies a peer admitted by address.
type PeerCredentials struct {
	// Method is the authenticator that admitted the peer ("allowlist")
	Method string `json:"method"`

	// Address is the peer IP address
	Address string `json:"address"`
}

// Allowlist admits or rejects peers by IP address.
//
// Patterns are CIDR ranges ("192.168.1.0/24") or single addresses
// ("10.0.0.5"). A denied match always rejects; otherwise an empty allow
// list admits everyone and a non-empty one admits only matches.
//
// Allowlist never wraps the connection; it only looks at the remote
// address, so it costs no round trip.
type Allowlist struct {
	allowed []*net.IPNet
	denied  []*net.IPNet
}

// NewAllowlist parses the allow and deny patterns.
//
// Returns an error naming the first pattern that is neither a CIDR range
// nor an IP address.
func NewAllowlist(allowed, denied []string) (*Allowlist, error) {
	a := &Allowlist{}

	var err error
	if a.allowed, err = parsePatterns(allowed); err != nil {
		return nil, fmt.Errorf("invalid allowed client: %w", err)
	}
	if a.denied, err = parsePatterns(denied); err != nil {
		return nil, fmt.Errorf("invalid denied client: %w", err)
	}
	return a, nil
}

func parsePatterns(patterns []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(patterns))
	for _, p := range patterns {
		n, err := parsePattern(p)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// parsePattern accepts a CIDR range or an exact IP, which becomes a
// single-address range.
func parsePattern(pattern string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(pattern); err == nil {
		return ipNet, nil
	}

	ip := net.ParseIP(pattern)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP address or CIDR range", pattern)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// Allows reports whether ip passes the lists.
func (a *Allowlist) Allows(ip net.IP) bool {
	if matchesAny(a.denied, ip) {
		return false
	}
	return len(a.allowed) == 0 || matchesAny(a.allowed, ip)
}

func matchesAny(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Authenticate implements server.Authenticator.
func (a *Allowlist) Authenticate(conn net.Conn) (net.Conn, server.Credentials, error) {
	ip := remoteIP(conn)
	if ip == nil {
		return nil, nil, fmt.Errorf("%w: cannot determine address of %s", server.ErrAuthenticationFailed, conn.RemoteAddr())
	}
	if !a.Allows(ip) {
		return nil, nil, fmt.Errorf("%w: client %s is not allowed", server.ErrAuthenticationFailed, ip)
	}

	return conn, PeerCredentials{Method: "allowlist", Address: ip.String()}, nil
}

func remoteIP(conn net.Conn) net.IP {
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.IP
	case nil:
		return nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

var _ server.Authenticator = (*Allowlist)(nil)

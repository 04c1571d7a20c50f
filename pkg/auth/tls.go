package auth

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/marmos91/rpcgate/pkg/server"
)

// DefaultHandshakeTimeout bounds the TLS handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// TLSConfig configures a TLSAuthenticator from PEM files.
type TLSConfig struct {
	// CertFile and KeyFile hold the server certificate chain and key.
	CertFile string
	KeyFile  string

	// ClientCAFile holds the CAs trusted to sign client certificates.
	// When set, clients must present a certificate signed by one of them.
	ClientCAFile string

	// HandshakeTimeout bounds the handshake. Default: DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// TLSCredentials describe a peer after a successful handshake.
type TLSCredentials struct {
	Method      string   `json:"method"`
	Version     string   `json:"version"`
	CipherSuite string   `json:"cipher_suite"`
	ServerName  string   `json:"server_name,omitempty"`
	CommonName  string   `json:"common_name,omitempty"`
	DNSNames    []string `json:"dns_names,omitempty"`
	// Fingerprint is the hex SHA-256 of the client leaf certificate.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// TLSAuthenticator performs a server-side TLS handshake on each connection
// and hands the encrypted connection to the session. With client CAs
// configured it is mutual TLS and the credentials name the client
// certificate.
type TLSAuthenticator struct {
	config           *tls.Config
	handshakeTimeout time.Duration
}

// NewTLSAuthenticator loads the certificate, key and optional client CA
// bundle named by cfg.
func NewTLSAuthenticator(cfg TLSConfig) (*TLSAuthenticator, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("tls: cert_file and key_file are required")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to load key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("tls: failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls: no certificates found in %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return NewTLSAuthenticatorFromConfig(tlsConfig, cfg.HandshakeTimeout), nil
}

// NewTLSAuthenticatorFromConfig uses an already built tls.Config. A
// handshakeTimeout of 0 selects DefaultHandshakeTimeout.
func NewTLSAuthenticatorFromConfig(config *tls.Config, handshakeTimeout time.Duration) *TLSAuthenticator {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &TLSAuthenticator{config: config, handshakeTimeout: handshakeTimeout}
}

// Authenticate implements server.Authenticator.
//
// A failed or timed out handshake rejects the peer.
func (a *TLSAuthenticator) Authenticate(conn net.Conn) (net.Conn, server.Credentials, error) {
	tlsConn := tls.Server(conn, a.config)

	ctx, cancel := context.WithTimeout(context.Background(), a.handshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: tls handshake: %v", server.ErrAuthenticationFailed, err)
	}

	return tlsConn, credentialsFromState(tlsConn.ConnectionState()), nil
}

func credentialsFromState(state tls.ConnectionState) TLSCredentials {
	creds := TLSCredentials{
		Method:      "tls",
		Version:     tls.VersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		ServerName:  state.ServerName,
	}

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		sum := sha256.Sum256(leaf.Raw)
		creds.Method = "mtls"
		creds.CommonName = leaf.Subject.CommonName
		creds.DNSNames = leaf.DNSNames
		creds.Fingerprint = hex.EncodeToString(sum[:])
	}
	return creds
}

var _ server.Authenticator = (*TLSAuthenticator)(nil)

// Package auth provides server.Authenticator implementations: an IP
// allow/deny list, a TLS (optionally mutual TLS) handshake, and a Chain
// combining several.
package auth

// Package rpc is a JSON-RPC 2.0 protocol engine for pkg/server.
//
// A Service is a named method table. Each accepted connection that passes
// the server's authentication gate gets its own session, which reads
// Content-Length framed messages (the LSP wire format) and replies in
// request order. Credentials produced by the authenticator are available
// to methods through CredentialsFromContext.
//
// Protocol configuration keys understood by sessions:
//   - credentials: set by the server for every connection
//   - call_timeout: per-call deadline, a duration string such as "5s"
//   - async_requests: read the next request while a call is running
//   - max_sleep: upper bound for rpc.sleep
package rpc

// Package registry implements server.Registrar backends and the matching
// discovery clients.
//
//   - UDPRegistrar and UDPServer: a lightweight registry protocol over UDP
//     with XDR encoded datagrams, unicast or broadcast
//   - BadgerRegistrar: registrations in an embedded BadgerDB with per-key TTL
//   - S3Registrar: registration objects in a shared S3 bucket
//
// Aliases are case-insensitive and stored upper-cased. Every backend
// expires registrations that are not refreshed, so a crashed server drops
// out of discovery after at most twice its re-register interval.
package registry

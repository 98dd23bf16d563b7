// Package session owns the per-connection policy shared by node streams.
//
// Ownership boundary:
// - connect, handshake and request timeouts
// - transport security settings and their validation
// - reconnect backoff
// - the P2P version handshake run after a P2P stream opens
package session

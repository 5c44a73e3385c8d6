// Package connection implements the shared real-time connection manager.
//
// The Manager:
//   - Keeps at most one WebSocket connection per process, shared by every handle
//   - Counts handles and tears the connection down after a grace period once the last is released
//   - Reconnects with bounded exponential backoff, re-reading the identity on each attempt
//   - Emits register_user after every handshake
//   - Publishes every state transition, in order, to subscribers
//
// Message routing is left to consumers: they register listeners on the
// SharedTransport returned by Handle.Transport and remove them before
// releasing.
package connection

// Package sessions implements the session-scoped streaming transport core:
// an in-memory registry of live sessions, the connection lifecycle controller
// that binds one channel endpoint per session and keeps it alive, and the
// router that delivers inbound client messages to the owning session.
//
// The package is transport-agnostic. A ChannelEndpoint wraps one underlying
// push-stream connection (SSE response, WebSocket, ...) and the protocol
// engine behind the Dispatcher interface speaks the RPC protocol over it.
// The lifecycle controller's only job is to keep exactly one open endpoint
// per session and to tear the pair down exactly once on the first terminal
// signal: client disconnect, transport failure, or process shutdown.
package sessions

package sessions

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateSession is returned by Registry.Put (and Manager.Connect)
	// when the session identifier is already bound to a live session.
	ErrDuplicateSession = errors.New("session id already in use")

	// ErrSessionNotFound is returned when an operation references an unknown
	// or already-closed session. This is expected client behavior, not a
	// system fault.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMissingSessionID is returned when an inbound message carries no
	// session identifier at all.
	ErrMissingSessionID = errors.New("missing session id")

	// ErrTransportWrite wraps a failure to write on a channel endpoint. It is
	// always a terminal signal for the session, never retried.
	ErrTransportWrite = errors.New("transport write failed")

	// ErrManagerClosed is returned by Connect once shutdown has begun.
	ErrManagerClosed = errors.New("session manager is shut down")
)

// SessionState tracks the lifecycle of one session.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateClosed     SessionState = "closed"
)

// ChannelEndpoint wraps one underlying push-stream connection. The core never
// inspects transport-level framing; it only sends opaque payloads, emits
// keepalive frames, and observes stream closure.
//
// Implementations must be safe for concurrent use: the heartbeat goroutine
// and the dispatcher write through the same endpoint.
type ChannelEndpoint interface {
	// Send writes one protocol payload to the client. A broken stream yields
	// an error wrapping ErrTransportWrite.
	Send(ctx context.Context, payload []byte) error

	// KeepAlive writes a no-op frame whose sole purpose is to defeat
	// idle-timeout of the stream by intermediaries. A failure is a terminal
	// signal for the session.
	KeepAlive(ctx context.Context) error

	// Close releases the underlying stream. Closing an already-closed
	// endpoint is a no-op.
	Close() error

	// Done is closed when the underlying stream has ended, whether by client
	// disconnect or by Close.
	Done() <-chan struct{}
}

// Dispatcher is the protocol engine contract. The lifecycle controller hands
// each session's endpoint to the engine for the session's lifetime; the
// router forwards inbound payloads through Dispatch.
type Dispatcher interface {
	// Attach is invoked once per session, after registration and before the
	// session is acknowledged to the client.
	Attach(ctx context.Context, sess *Session) error

	// Dispatch handles one inbound client payload for the session. Replies
	// travel back over the session's endpoint. A returned error is reported
	// to the message sender and never tears the session down.
	Dispatch(ctx context.Context, sess *Session, payload []byte) error

	// OnClose is invoked exactly once during teardown, after the endpoint
	// has been released.
	OnClose(ctx context.Context, sessionID string)
}

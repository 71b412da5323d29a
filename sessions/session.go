package sessions

import (
	"context"
	"sync"
)

// Session is the unit of identity for one connected client. It owns the only
// reference the core retains to the channel endpoint and the cancel handle
// for the keepalive task. Teardown side effects run exactly once.
type Session struct {
	id       string
	endpoint ChannelEndpoint

	mu    sync.Mutex
	state SessionState

	// cancelHeartbeat stops the keepalive goroutine; set by the manager
	// before the session becomes active. Cancelling twice is a no-op.
	cancelHeartbeat context.CancelFunc

	closeOnce sync.Once
}

func newSession(id string, ep ChannelEndpoint) *Session {
	return &Session{id: id, endpoint: ep, state: StateConnecting}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the session's channel endpoint. Callers borrow the
// reference for the session's lifetime only.
func (s *Session) Endpoint() ChannelEndpoint { return s.endpoint }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setHeartbeatCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelHeartbeat = cancel
	s.mu.Unlock()
}

func (s *Session) heartbeatCancel() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelHeartbeat
}

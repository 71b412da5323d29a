package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/procstream/procstream-go/internal/jsonrpc"
)

// DefaultHeartbeatInterval is the keepalive cadence when none is configured.
const DefaultHeartbeatInterval = 30 * time.Second

// sessionReadyMethod is the notification delivered over the freshly opened
// channel to acknowledge the session identifier to the client.
const sessionReadyMethod = "session/ready"

// Manager is the connection lifecycle controller and inbound message router.
// It owns the registry, drives every session's Connecting → Active → Closed
// state machine, and funnels all teardown triggers into one idempotent path.
type Manager struct {
	log        *slog.Logger
	registry   *Registry
	dispatcher Dispatcher
	heartbeat  time.Duration

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the slog logger used by the manager. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithHeartbeatInterval overrides the keepalive cadence.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

func NewManager(dispatcher Dispatcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:        slog.Default(),
		registry:   NewRegistry(),
		dispatcher: dispatcher,
		heartbeat:  DefaultHeartbeatInterval,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect creates a session around the given channel endpoint and drives it
// to the Active state: register, attach the protocol engine, start the
// keepalive task, then acknowledge the session id over the open channel.
//
// An empty requestedID yields a server-generated UUID. Client-supplied ids
// are taken verbatim; a collision with any live session fails with
// ErrDuplicateSession and retains no resources.
func (m *Manager) Connect(ctx context.Context, requestedID string, ep ChannelEndpoint) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}

	sess := newSession(id, ep)
	if err := m.registry.Put(id, sess); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		// Lost the race with shutdown; don't leave a session behind.
		m.teardown(sess, "manager shut down")
		return nil, ErrManagerClosed
	}

	if err := m.dispatcher.Attach(ctx, sess); err != nil {
		m.teardown(sess, "engine attach failed")
		return nil, fmt.Errorf("failed to attach protocol engine: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	sess.setHeartbeatCancel(cancel)
	sess.setState(StateActive)

	m.wg.Add(2)
	go m.heartbeatLoop(hbCtx, sess)
	go m.watch(sess)

	ack, err := ackPayload(id)
	if err != nil {
		m.teardown(sess, "ack encode failed")
		return nil, err
	}
	if err := ep.Send(ctx, ack); err != nil {
		m.teardown(sess, "ack write failed")
		return nil, fmt.Errorf("failed to acknowledge session: %w", err)
	}

	m.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", id),
		slog.Bool("client_supplied_id", requestedID != ""),
		slog.Int("live", m.registry.Len()))
	return sess, nil
}

// Route delivers one inbound client payload to the session claimed by
// sessionID. A missing id and an unknown id are client errors; dispatch
// failures are reported to the caller and never tear the session down.
func (m *Manager) Route(ctx context.Context, sessionID string, payload []byte) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}
	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.dispatcher.Dispatch(ctx, sess, payload)
}

// CloseSession tears down the identified session. It is the explicit-close
// surface (e.g. an HTTP DELETE).
func (m *Manager) CloseSession(id string) error {
	sess, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.teardown(sess, "client requested close")
	return nil
}

// CloseSessionHandle tears down exactly the given session. Unlike the by-id
// CloseSession it can never resolve to a successor session registered under a
// reused id, so transport goroutines use it for post-stream cleanup: a stale
// cleanup of an already-closed session is a no-op.
func (m *Manager) CloseSessionHandle(sess *Session) {
	if sess == nil {
		return
	}
	m.teardown(sess, "stream ended")
}

// Has reports whether a live session exists under id.
func (m *Manager) Has(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// LiveSessions reports the number of live sessions. Observability only.
func (m *Manager) LiveSessions() int { return m.registry.Len() }

// Shutdown drains every live session — full teardown each, close hooks
// included — and waits for the per-session goroutines to exit. Safe to call
// more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)

	sessions := m.registry.Snapshot()
	for _, sess := range sessions {
		m.teardown(sess, "shutdown")
	}
	m.log.InfoContext(ctx, "manager.shutdown.drained", slog.Int("sessions", len(sessions)))

	waitCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown performs the terminal transition for a session: cancel the
// keepalive task, remove the registry entry, release the endpoint, and notify
// the engine's close hook — in that order, exactly once. Any trigger may call
// it; later triggers observe the session already gone and do nothing.
func (m *Manager) teardown(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		if cancel := sess.heartbeatCancel(); cancel != nil {
			cancel()
		}
		m.registry.Remove(sess.id)
		sess.setState(StateClosed)
		if err := sess.endpoint.Close(); err != nil {
			// Teardown continues best-effort; this is the only step whose
			// failure is a system fault.
			m.log.Error("session.endpoint.close.fail",
				slog.String("session_id", sess.id),
				slog.String("err", err.Error()))
		}
		m.dispatcher.OnClose(context.Background(), sess.id)
		m.log.Info("session.close",
			slog.String("session_id", sess.id),
			slog.String("reason", reason),
			slog.Int("live", m.registry.Len()))
	})
}

// heartbeatLoop emits a no-op frame on the endpoint at the configured
// interval. A write failure is a disconnect signal: teardown once, then exit.
func (m *Manager) heartbeatLoop(ctx context.Context, sess *Session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.endpoint.KeepAlive(ctx); err != nil {
				m.log.Info("session.heartbeat.fail",
					slog.String("session_id", sess.id),
					slog.String("err", err.Error()))
				m.teardown(sess, "heartbeat write failed")
				return
			}
		}
	}
}

// watch waits for the endpoint's stream to end (client disconnect or
// transport failure observed by the transport layer) and triggers teardown.
func (m *Manager) watch(sess *Session) {
	defer m.wg.Done()
	select {
	case <-sess.endpoint.Done():
		m.teardown(sess, "stream closed")
	case <-m.done:
		// Shutdown drains sessions explicitly.
	}
}

func ackPayload(sessionID string) ([]byte, error) {
	note, err := jsonrpc.NewNotification(sessionReadyMethod, map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to build session acknowledgement: %w", err)
	}
	b, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session acknowledgement: %w", err)
	}
	return b, nil
}

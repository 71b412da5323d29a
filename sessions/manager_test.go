package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeEndpoint is a scriptable ChannelEndpoint for lifecycle tests.
type fakeEndpoint struct {
	mu           sync.Mutex
	sent         [][]byte
	keepalives   int
	keepaliveErr error
	closeCalls   int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{done: make(chan struct{})}
}

func (f *fakeEndpoint) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeEndpoint) KeepAlive(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return f.keepaliveErr
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.signalDone()
	return nil
}

func (f *fakeEndpoint) Done() <-chan struct{} { return f.done }

func (f *fakeEndpoint) signalDone() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeEndpoint) failKeepAlives() {
	f.mu.Lock()
	f.keepaliveErr = fmt.Errorf("%w: broken pipe", ErrTransportWrite)
	f.mu.Unlock()
}

func (f *fakeEndpoint) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalives
}

func (f *fakeEndpoint) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeEndpoint) sentPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDispatcher records protocol engine interactions.
type fakeDispatcher struct {
	mu         sync.Mutex
	attached   []string
	dispatched [][]byte
	closed     []string

	attachErr   error
	dispatchErr error
}

func (d *fakeDispatcher) Attach(ctx context.Context, sess *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachErr != nil {
		return d.attachErr
	}
	d.attached = append(d.attached, sess.ID())
	return nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, sess *Session, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.dispatched = append(d.dispatched, append([]byte(nil), payload...))
	return nil
}

func (d *fakeDispatcher) OnClose(ctx context.Context, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, sessionID)
}

func (d *fakeDispatcher) closedSessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

func (d *fakeDispatcher) dispatchedPayloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectGeneratesUniqueIDs(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	const n = 16
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.Connect(context.Background(), "", newFakeEndpoint())
			if err != nil {
				t.Errorf("Connect failed: %v", err)
				return
			}
			ids <- sess.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate generated session id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d sessions, got %d", n, len(seen))
	}
	if m.LiveSessions() != n {
		t.Fatalf("expected %d live sessions, got %d", n, m.LiveSessions())
	}
}

func TestConnectDuplicateIDFails(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	if _, err := m.Connect(context.Background(), "abc", newFakeEndpoint()); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	ep := newFakeEndpoint()
	_, err := m.Connect(context.Background(), "abc", ep)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if m.LiveSessions() != 1 {
		t.Fatalf("registry changed by failed connect: %d live", m.LiveSessions())
	}
	if len(ep.sentPayloads()) != 0 {
		t.Fatal("failed connect wrote to the endpoint")
	}
}

func TestConnectAcknowledgesSessionID(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	sess, err := m.Connect(context.Background(), "", ep)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sent := ep.sentPayloads()
	if len(sent) != 1 {
		t.Fatalf("expected 1 acknowledgement write, got %d", len(sent))
	}
	var note struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(sent[0], &note); err != nil {
		t.Fatalf("acknowledgement is not JSON: %v", err)
	}
	if note.Method != "session/ready" {
		t.Fatalf("acknowledgement method = %q", note.Method)
	}
	if note.Params.SessionID != sess.ID() {
		t.Fatalf("acknowledged id %q, session id %q", note.Params.SessionID, sess.ID())
	}
	if sess.State() != StateActive {
		t.Fatalf("session state = %q, want %q", sess.State(), StateActive)
	}
}

func TestConnectAttachFailureRetainsNothing(t *testing.T) {
	d := &fakeDispatcher{attachErr: errors.New("engine unavailable")}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	if _, err := m.Connect(context.Background(), "abc", ep); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if m.LiveSessions() != 0 {
		t.Fatalf("failed connect left %d sessions registered", m.LiveSessions())
	}
	if ep.closeCount() != 1 {
		t.Fatalf("endpoint closed %d times, want 1", ep.closeCount())
	}
}

func TestRouteMissingSessionID(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	err := m.Route(context.Background(), "", []byte(`{}`))
	if !errors.Is(err, ErrMissingSessionID) {
		t.Fatalf("expected ErrMissingSessionID, got %v", err)
	}
}

func TestRouteUnknownSession(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	err := m.Route(context.Background(), "never-opened", []byte(`{}`))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRouteDispatchErrorKeepsSessionAlive(t *testing.T) {
	d := &fakeDispatcher{dispatchErr: errors.New("malformed message")}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	if _, err := m.Connect(context.Background(), "abc", newFakeEndpoint()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Route(context.Background(), "abc", []byte(`{"bogus":true}`)); err == nil {
		t.Fatal("expected dispatch error to surface")
	}
	if !m.Has("abc") {
		t.Fatal("dispatch error tore down the session")
	}
}

func TestDoubleDisconnectTearsDownOnce(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	if _, err := m.Connect(context.Background(), "abc", ep); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Simulate a race between client close and an explicit close.
	ep.signalDone()
	_ = m.CloseSession("abc")

	waitFor(t, "session eviction", func() bool { return !m.Has("abc") })
	waitFor(t, "close hook", func() bool { return len(d.closedSessions()) > 0 })

	if got := ep.closeCount(); got != 1 {
		t.Fatalf("endpoint closed %d times, want 1", got)
	}
	if got := d.closedSessions(); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("close hook invocations = %v, want exactly one for abc", got)
	}
}

func TestStaleHandleCloseSparesReusedID(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	oldEp := newFakeEndpoint()
	oldSess, err := m.Connect(context.Background(), "abc", oldEp)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The first session ends and a new client legitimately reopens under the
	// same id before the old transport goroutine runs its cleanup.
	if err := m.CloseSession("abc"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	waitFor(t, "first session eviction", func() bool { return !m.Has("abc") })

	newEp := newFakeEndpoint()
	if _, err := m.Connect(context.Background(), "abc", newEp); err != nil {
		t.Fatalf("reopening id failed: %v", err)
	}

	// The stale cleanup must only ever affect its own session.
	m.CloseSessionHandle(oldSess)

	if !m.Has("abc") {
		t.Fatal("healthy successor session was torn down by the stale cleanup")
	}
	if got := newEp.closeCount(); got != 0 {
		t.Fatalf("successor endpoint closed %d times, want 0", got)
	}
	if got := oldEp.closeCount(); got != 1 {
		t.Fatalf("original endpoint closed %d times, want 1", got)
	}
	if got := d.closedSessions(); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("close hook invocations = %v, want exactly one for the first session", got)
	}
}

func TestCloseSessionHandleTriggersTeardown(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	sess, err := m.Connect(context.Background(), "", ep)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.CloseSessionHandle(sess)

	if m.Has(sess.ID()) {
		t.Fatal("session still registered after handle close")
	}
	if got := ep.closeCount(); got != 1 {
		t.Fatalf("endpoint closed %d times, want 1", got)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %q, want closed", sess.State())
	}

	// Repeats and nil handles are no-ops.
	m.CloseSessionHandle(sess)
	m.CloseSessionHandle(nil)
	if got := ep.closeCount(); got != 1 {
		t.Fatalf("endpoint closed %d times after repeat, want 1", got)
	}
}

func TestHeartbeatFailureTearsDown(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()), WithHeartbeatInterval(3*time.Millisecond))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	if _, err := m.Connect(context.Background(), "abc", ep); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "first heartbeat", func() bool { return ep.keepaliveCount() > 0 })

	ep.failKeepAlives()
	waitFor(t, "heartbeat-triggered eviction", func() bool { return !m.Has("abc") })

	// No further keepalive writes once torn down.
	after := ep.keepaliveCount()
	time.Sleep(20 * time.Millisecond)
	if got := ep.keepaliveCount(); got != after {
		t.Fatalf("keepalives continued after teardown: %d -> %d", after, got)
	}
	if ep.closeCount() != 1 {
		t.Fatalf("endpoint closed %d times, want 1", ep.closeCount())
	}
}

func TestHeartbeatCancelledExactlyOnceOnExplicitClose(t *testing.T) {
	m := NewManager(&fakeDispatcher{}, WithLogger(quietLogger()), WithHeartbeatInterval(3*time.Millisecond))
	defer m.Shutdown(context.Background())

	ep := newFakeEndpoint()
	if _, err := m.Connect(context.Background(), "abc", ep); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "heartbeat to start", func() bool { return ep.keepaliveCount() > 0 })

	if err := m.CloseSession("abc"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	count := ep.keepaliveCount()
	time.Sleep(20 * time.Millisecond)
	if got := ep.keepaliveCount(); got != count {
		t.Fatalf("keepalive timer leaked after close: %d -> %d", count, got)
	}
}

func TestShutdownDrainsAllSessions(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()))

	const k = 5
	eps := make([]*fakeEndpoint, 0, k)
	for i := 0; i < k; i++ {
		ep := newFakeEndpoint()
		eps = append(eps, ep)
		if _, err := m.Connect(context.Background(), "", ep); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if m.LiveSessions() != 0 {
		t.Fatalf("registry not empty after shutdown: %d live", m.LiveSessions())
	}
	if got := len(d.closedSessions()); got != k {
		t.Fatalf("close hooks invoked %d times, want %d", got, k)
	}
	for i, ep := range eps {
		if ep.closeCount() != 1 {
			t.Fatalf("endpoint %d closed %d times, want 1", i, ep.closeCount())
		}
	}

	if _, err := m.Connect(context.Background(), "", newFakeEndpoint()); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Connect after shutdown: got %v, want ErrManagerClosed", err)
	}
}

func TestSessionLifecycleScenario(t *testing.T) {
	d := &fakeDispatcher{}
	m := NewManager(d, WithLogger(quietLogger()))
	defer m.Shutdown(context.Background())

	if _, err := m.Connect(context.Background(), "abc", newFakeEndpoint()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if m.LiveSessions() != 1 {
		t.Fatalf("expected 1 live session, got %d", m.LiveSessions())
	}

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"listProcedures"}`)
	if err := m.Route(context.Background(), "abc", payload); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	got := d.dispatchedPayloads()
	if len(got) != 1 || string(got[0]) != string(payload) {
		t.Fatalf("dispatcher received %q, want %q", got, payload)
	}

	if err := m.CloseSession("abc"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if m.LiveSessions() != 0 {
		t.Fatalf("expected empty registry, got %d", m.LiveSessions())
	}

	err := m.Route(context.Background(), "abc", payload)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after close, got %v", err)
	}
}

package streaminghttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/procstream/procstream-go/internal/logctx"
	"github.com/procstream/procstream-go/sessions"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = maxInboundMessageBytes
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleGetWS binds a new session to a WebSocket. Outbound payloads are text
// frames, keepalives are ping control frames, and inbound text frames are
// routed exactly like POSTed messages.
func (h *Handler) handleGetWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.ws.start")

	requestedID := sessionIDFromRequest(r)
	if requestedID != "" && h.manager.Has(requestedID) {
		writeJSONError(w, http.StatusConflict, "session id already in use")
		h.log.WarnContext(ctx, "session.id.duplicate", slog.String("requested_id", requestedID))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ep := newWSEndpoint(conn)

	sess, err := h.manager.Connect(ctx, requestedID, ep)
	if err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		_ = conn.Close()
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		State:     string(sess.State()),
	})
	h.log.InfoContext(ctx, "ws.stream.open")

	// The session id is intrinsic to the socket; inbound frames never carry
	// routing metadata.
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WarnContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := h.manager.Route(ctx, sess.ID(), payload); err != nil {
			// Dispatch failures already produced an error reply over the
			// channel where possible; a single bad frame never kills the
			// socket.
			h.log.InfoContext(ctx, "ws.route.fail", slog.String("err", err.Error()))
		}
	}

	// Close by handle: the id may already belong to a fresh session by the
	// time the read loop exits.
	h.manager.CloseSessionHandle(sess)
	h.log.InfoContext(ctx, "ws.stream.end", slog.Duration("dur", time.Since(start)))
}

// wsEndpoint adapts a WebSocket connection into a channel endpoint. gorilla
// connections allow one concurrent writer, so all writes go through mu.
type wsEndpoint struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

var _ sessions.ChannelEndpoint = (*wsEndpoint)(nil)

func newWSEndpoint(conn *websocket.Conn) *wsEndpoint {
	ep := &wsEndpoint{conn: conn, done: make(chan struct{})}
	conn.SetCloseHandler(func(code int, text string) error {
		ep.signalDone()
		message := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsWriteTimeout))
		return nil
	})
	return ep
}

func (ep *wsEndpoint) signalDone() {
	ep.once.Do(func() { close(ep.done) })
}

func (ep *wsEndpoint) Send(ctx context.Context, payload []byte) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	_ = ep.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ep.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrTransportWrite, err)
	}
	return nil
}

func (ep *wsEndpoint) KeepAlive(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrTransportWrite, err)
	}
	return nil
}

func (ep *wsEndpoint) Close() error {
	ep.signalDone()
	ep.mu.Lock()
	defer ep.mu.Unlock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ep.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsWriteTimeout))
	return ep.conn.Close()
}

func (ep *wsEndpoint) Done() <-chan struct{} { return ep.done }

// Package streaminghttp exposes session-scoped streaming channels over HTTP.
//
// A client opens GET /stream to receive a server-sent event channel, posts
// inbound messages against the session id with POST /message, and may tear
// the session down explicitly with DELETE /stream. GET /ws offers the same
// lifecycle over a WebSocket for clients that prefer a bidirectional socket.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/procstream/procstream-go/internal/engine"
	"github.com/procstream/procstream-go/internal/logctx"
	"github.com/procstream/procstream-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Clients may carry the session id in a header when a query parameter is
	// awkward (e.g. fixed-URL webhook senders). The query parameter wins.
	sessionIDHeader = "Procstream-Session-Id"
	sessionIDParam  = "sessionId"
)

const maxInboundMessageBytes = 1 << 20 // 1 MiB

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. This is
// transport-level, not JSON-RPC framing; it must only be used before the
// response has committed to a stream.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// Handler is the HTTP surface over a session manager. All routes live on an
// internal ServeMux so the handler can be mounted anywhere.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	manager *sessions.Manager
	eng     *engine.Engine
	started time.Time
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and refuses to
// write after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler serving streams backed by the given manager and
// engine. Inbound traffic always goes through the manager; the engine is only
// consulted for descriptive surface such as operation metadata.
func New(manager *sessions.Manager, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &newConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:     slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		manager: manager,
		eng:     eng,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", byMethod(map[string]http.HandlerFunc{
		http.MethodGet:    h.handleGetStream,
		http.MethodDelete: h.handleDeleteStream,
	}))
	mux.HandleFunc("/message", byMethod(map[string]http.HandlerFunc{
		http.MethodPost: h.handlePostMessage,
	}))
	mux.HandleFunc("/ws", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: h.handleGetWS,
	}))
	mux.HandleFunc("/operations", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: h.handleGetOperations,
	}))
	mux.HandleFunc("/healthz", byMethod(map[string]http.HandlerFunc{
		http.MethodGet: h.handleGetHealthz,
	}))
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// byMethod dispatches a route by HTTP method, answering requests for
// unregistered methods with 405 and an Allow header. HEAD requests are
// served by the GET handler when one is registered.
func byMethod(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	allowed := make([]string, 0, len(handlers)+1)
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if _, ok := handlers[m]; ok {
			allowed = append(allowed, m)
		}
		if m == http.MethodHead && handlers[http.MethodHead] == nil && handlers[http.MethodGet] != nil {
			allowed = append(allowed, http.MethodHead)
		}
	}
	allow := strings.Join(allowed, ", ")
	return func(w http.ResponseWriter, r *http.Request) {
		fn, ok := handlers[r.Method]
		if !ok && r.Method == http.MethodHead {
			fn, ok = handlers[http.MethodGet]
		}
		if !ok {
			w.Header().Set("Allow", allow)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

// sessionIDFromRequest resolves the session id from the query parameter,
// falling back to the header.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get(sessionIDParam); id != "" {
		return id
	}
	return r.Header.Get(sessionIDHeader)
}

// handleGetStream opens a server-sent event channel and binds a new session
// to it. The connection stays open until the client disconnects, the session
// is closed, or the heartbeat detects a dead peer.
func (h *Handler) handleGetStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.stream.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	requestedID := sessionIDFromRequest(r)
	if requestedID != "" && h.manager.Has(requestedID) {
		// Pre-commit duplicate check so the rejection is a clean HTTP error
		// rather than a torn stream. Connect re-checks under the registry
		// lock, so a lost race still fails safely below.
		writeJSONError(w, http.StatusConflict, "session id already in use")
		h.log.WarnContext(ctx, "session.id.duplicate", slog.String("requested_id", requestedID))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	ep := newSSEEndpoint(ctx, cancel, wf)

	sess, err := h.manager.Connect(ctx, requestedID, ep)
	if err != nil {
		// Headers are committed; terminating the stream is the only honest
		// signal left.
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		State:     string(sess.State()),
	})
	h.log.InfoContext(ctx, "sse.stream.open")

	select {
	case <-ctx.Done():
	case <-ep.Done():
	}

	// The client went away or the session was closed; either way the manager
	// owns teardown. Close by handle: by the time this goroutine wakes the id
	// may already belong to a fresh session.
	h.manager.CloseSessionHandle(sess)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handlePostMessage routes one inbound message to the session named by the
// request. Replies travel over the session's stream, so success is 202.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.message.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	sessID := sessionIDFromRequest(r)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundMessageBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	if len(body) > maxInboundMessageBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
		h.log.WarnContext(ctx, "body.too_large")
		return
	}

	if err := h.manager.Route(ctx, sessID, body); err != nil {
		switch {
		case errors.Is(err, sessions.ErrMissingSessionID):
			writeJSONError(w, http.StatusBadRequest, "missing session id")
			h.log.WarnContext(ctx, "route.session_id.missing")
		case errors.Is(err, sessions.ErrSessionNotFound):
			// Expected client behavior (e.g. retry after a server restart),
			// not a system fault.
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "route.session.miss")
		case errors.Is(err, engine.ErrMalformedMessage):
			writeJSONError(w, http.StatusBadRequest, "malformed message")
			h.log.InfoContext(ctx, "route.message.malformed")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to route message")
			h.log.ErrorContext(ctx, "route.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.message.ok", slog.Duration("dur", time.Since(start)))
}

// handleDeleteStream terminates an existing session explicitly.
func (h *Handler) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := sessionIDFromRequest(r)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.session_id.missing")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.manager.CloseSession(sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to close session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetOperations advertises the operations the engine serves over a
// session channel, input schemas included, so clients can discover the
// surface without opening a stream.
func (h *Handler) handleGetOperations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"operations": h.eng.Operations()})
}

// handleGetHealthz reports liveness plus the live session count.
func (h *Handler) handleGetHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.manager.LiveSessions(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

// sseEndpoint adapts a committed server-sent event response into a channel
// endpoint. Outbound payloads become data frames; keepalives become comment
// frames that proxies forward but clients ignore.
type sseEndpoint struct {
	wf     *lockedWriteFlusher
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ sessions.ChannelEndpoint = (*sseEndpoint)(nil)

func newSSEEndpoint(ctx context.Context, cancel context.CancelFunc, wf *lockedWriteFlusher) *sseEndpoint {
	ep := &sseEndpoint{wf: wf, cancel: cancel, done: make(chan struct{})}
	// Propagate client disconnects into the session lifecycle.
	context.AfterFunc(ctx, func() { ep.signalDone() })
	return ep
}

func (ep *sseEndpoint) signalDone() {
	ep.once.Do(func() { close(ep.done) })
}

func (ep *sseEndpoint) Send(ctx context.Context, payload []byte) error {
	if err := writeSSEEvent(ep.wf, payload); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrTransportWrite, err)
	}
	return nil
}

func (ep *sseEndpoint) KeepAlive(ctx context.Context) error {
	if _, err := ep.wf.Write([]byte(": keepalive\n\n")); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrTransportWrite, err)
	}
	ep.wf.Flush()
	return nil
}

func (ep *sseEndpoint) Close() error {
	ep.signalDone()
	ep.cancel()
	return nil
}

func (ep *sseEndpoint) Done() <-chan struct{} { return ep.done }

// writeSSEEvent writes one server-sent event data frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

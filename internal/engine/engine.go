// Package engine implements the protocol engine: the JSON-RPC dispatcher that
// speaks the remote-procedure protocol over a session's channel endpoint.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/procstream/procstream-go/catalog"
	"github.com/procstream/procstream-go/internal/jsonrpc"
	"github.com/procstream/procstream-go/internal/logctx"
	"github.com/procstream/procstream-go/sessions"
)

// ErrMalformedMessage is returned when an inbound payload is not a valid
// JSON-RPC message at all. Reported to the sender; never fatal to a session.
var ErrMalformedMessage = errors.New("malformed message")

// codeProcedureNotFound is the application error code for lookups of unknown
// upstream procedures.
const codeProcedureNotFound jsonrpc.ErrorCode = -32001

// Engine dispatches the protocol's operations: ping, listProcedures, and
// describeProcedure, all backed by the upstream catalog provider.
type Engine struct {
	log     *slog.Logger
	catalog catalog.Provider
	ops     map[string]*operation
}

var _ sessions.Dispatcher = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func New(provider catalog.Provider, opts ...Option) *Engine {
	e := &Engine{
		log:     slog.Default(),
		catalog: provider,
		ops:     make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.register(newOperation("ping", "Liveness probe; returns immediately.", e.handlePing))
	e.register(newOperation("listProcedures", "List procedures advertised by the upstream registry, optionally filtered by tag.", e.handleListProcedures))
	e.register(newOperation("describeProcedure", "Return the full definition of one procedure.", e.handleDescribeProcedure))
	return e
}

func (e *Engine) register(op *operation) {
	e.ops[op.desc.Name] = op
}

// Operations describes the engine's own dispatchable operations.
func (e *Engine) Operations() []OperationDescriptor {
	out := make([]OperationDescriptor, 0, len(e.ops))
	for _, name := range []string{"ping", "listProcedures", "describeProcedure"} {
		if op, ok := e.ops[name]; ok {
			out = append(out, op.desc)
		}
	}
	return out
}

// Attach is the lifecycle hook invoked when a session becomes active. The
// engine keeps no per-session state beyond the borrowed endpoint reference,
// so this only records the binding.
func (e *Engine) Attach(ctx context.Context, sess *sessions.Session) error {
	e.log.DebugContext(ctx, "engine.attach", slog.String("session_id", sess.ID()))
	return nil
}

// OnClose is the teardown hook; invoked exactly once per session.
func (e *Engine) OnClose(ctx context.Context, sessionID string) {
	e.log.DebugContext(ctx, "engine.detach", slog.String("session_id", sessionID))
}

// Dispatch handles one inbound payload for the session. Protocol-level
// failures (unknown method, bad params, handler errors) become JSON-RPC error
// responses pushed over the session's channel; only payloads that cannot be
// framed as JSON-RPC at all surface an error to the caller.
func (e *Engine) Dispatch(ctx context.Context, sess *sessions.Session, payload []byte) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "response":
		// The server issues no client-bound requests, so client responses
		// have nothing to correlate with.
		e.log.InfoContext(ctx, "rpc.response.ignored", slog.String("session_id", sess.ID()))
		return nil

	case "notification":
		req := msg.AsRequest()
		if op, ok := e.ops[req.Method]; ok {
			if _, err := op.handle(ctx, sess, req.Params); err != nil {
				e.log.WarnContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
			}
		} else {
			e.log.InfoContext(ctx, "rpc.notification.unknown_method")
		}
		return nil

	default:
		req := msg.AsRequest()
		res := e.handleRequest(ctx, sess, req)
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		if err := sess.Endpoint().Send(ctx, b); err != nil {
			return fmt.Errorf("failed to deliver response: %w", err)
		}
		e.log.InfoContext(ctx, "rpc.request.ok", slog.String("session_id", sess.ID()))
		return nil
	}
}

func (e *Engine) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	op, ok := e.ops[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}

	result, err := op.handle(ctx, sess, req.Params)
	if err != nil {
		var ipe *invalidParamsError
		switch {
		case errors.As(err, &ipe):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
				ipe.Error(), map[string]any{"inputSchema": op.desc.InputSchema})
		case errors.Is(err, catalog.ErrProcedureNotFound):
			return jsonrpc.NewErrorResponse(req.ID, codeProcedureNotFound, err.Error(), nil)
		default:
			e.log.ErrorContext(ctx, "rpc.handler.fail",
				slog.String("method", req.Method), slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		e.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

// --- operation handlers ---

type pingArgs struct{}

func (e *Engine) handlePing(ctx context.Context, sess *sessions.Session, args pingArgs) (any, error) {
	return map[string]any{"ok": true}, nil
}

type listProceduresArgs struct {
	// Tag restricts the listing to procedures carrying this tag.
	Tag string `json:"tag,omitempty"`
}

func (e *Engine) handleListProcedures(ctx context.Context, sess *sessions.Session, args listProceduresArgs) (any, error) {
	procs, err := e.catalog.ListProcedures(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream listing failed: %w", err)
	}
	if args.Tag != "" {
		filtered := procs[:0]
		for _, p := range procs {
			for _, tag := range p.Tags {
				if tag == args.Tag {
					filtered = append(filtered, p)
					break
				}
			}
		}
		procs = filtered
	}
	return map[string]any{"procedures": procs}, nil
}

type describeProcedureArgs struct {
	// Name is the fully qualified procedure name.
	Name string `json:"name"`
}

func (e *Engine) handleDescribeProcedure(ctx context.Context, sess *sessions.Session, args describeProcedureArgs) (any, error) {
	if args.Name == "" {
		return nil, newInvalidParamsError(fmt.Errorf("name is required"))
	}
	proc, err := e.catalog.DescribeProcedure(ctx, args.Name)
	if err != nil {
		if errors.Is(err, catalog.ErrProcedureNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("upstream describe failed: %w", err)
	}
	return proc, nil
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/procstream/procstream-go/sessions"
)

// OperationDescriptor describes one dispatchable operation, including the
// JSON schema of its parameters.
type OperationDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type operation struct {
	desc   OperationDescriptor
	handle func(ctx context.Context, sess *sessions.Session, params json.RawMessage) (any, error)
}

// newOperation builds an operation from a typed handler. The args struct A is
// reflected into the descriptor's input schema, and inbound params are
// strict-decoded (unknown fields rejected) before the handler runs.
func newOperation[A any](name, description string, fn func(ctx context.Context, sess *sessions.Session, args A) (any, error)) *operation {
	return &operation{
		desc: OperationDescriptor{
			Name:        name,
			Description: description,
			InputSchema: reflectInputSchema[A](),
		},
		handle: func(ctx context.Context, sess *sessions.Session, params json.RawMessage) (any, error) {
			var args A
			if len(params) > 0 {
				dec := json.NewDecoder(bytes.NewReader(params))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return nil, newInvalidParamsError(err)
				}
			}
			return fn(ctx, sess, args)
		},
	}
}

// reflectInputSchema reflects the args struct A into an inline JSON schema.
func reflectInputSchema[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// invalidParamsError marks a params decode failure so the dispatcher can
// answer with the operation's schema attached.
type invalidParamsError struct {
	cause error
}

func newInvalidParamsError(cause error) *invalidParamsError {
	return &invalidParamsError{cause: cause}
}

func (e *invalidParamsError) Error() string {
	return "invalid params: " + e.cause.Error()
}

func (e *invalidParamsError) Unwrap() error { return e.cause }

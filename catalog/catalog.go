// Package catalog speaks to the upstream procedure registry API. It exposes
// the Provider contract the protocol engine consumes and an HTTP client
// implementation with a pluggable response cache.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrProcedureNotFound is returned when the upstream registry has no
// procedure under the requested name.
var ErrProcedureNotFound = errors.New("procedure not found")

// Procedure describes one remotely callable procedure as advertised by the
// upstream registry.
type Procedure struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// Provider is the read surface the protocol engine needs. Implementations
// must be safe for concurrent use.
type Provider interface {
	// ListProcedures returns every procedure the registry advertises.
	ListProcedures(ctx context.Context) ([]Procedure, error)

	// DescribeProcedure returns the full definition of one procedure, or
	// ErrProcedureNotFound.
	DescribeProcedure(ctx context.Context, name string) (*Procedure, error)
}

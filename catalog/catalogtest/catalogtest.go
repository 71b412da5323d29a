// Package catalogtest provides a fixed in-memory catalog.Provider for tests.
package catalogtest

import (
	"context"
	"sync"

	"github.com/procstream/procstream-go/catalog"
)

// Static serves a fixed set of procedures. Safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	procs []catalog.Procedure

	listErr error
}

var _ catalog.Provider = (*Static)(nil)

// NewStatic builds a provider over the given procedures.
func NewStatic(procs ...catalog.Procedure) *Static {
	return &Static{procs: procs}
}

// FailListWith makes ListProcedures return err until reset with nil.
func (s *Static) FailListWith(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func (s *Static) ListProcedures(ctx context.Context) ([]catalog.Procedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]catalog.Procedure, len(s.procs))
	copy(out, s.procs)
	return out, nil
}

func (s *Static) DescribeProcedure(ctx context.Context, name string) (*catalog.Procedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.procs {
		if p.Name == name {
			proc := p
			return &proc, nil
		}
	}
	return nil, catalog.ErrProcedureNotFound
}

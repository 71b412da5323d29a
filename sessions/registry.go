package sessions

import "sync"

// Registry is the in-memory map of live sessions. It is the single source of
// truth for "which connections are alive": a session id is present iff its
// channel endpoint is open and has not yet been torn down.
//
// Registries are instance-scoped so independent managers can coexist (and be
// tested) side by side.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session under its id. It fails with ErrDuplicateSession if
// the id is already bound; the registry is left unchanged in that case.
func (r *Registry) Put(id string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateSession
	}
	r.sessions[id] = sess
	return nil
}

// Get returns the session for id, or ok=false for a missing key.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove removes and returns the session if present, or nil if absent.
// Absence is not an error: teardown paths race and the first remover wins.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return sess
}

// Len reports the count of live sessions. Observability only.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions at a point in time, in no particular
// order. Used by graceful shutdown to drain every session.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

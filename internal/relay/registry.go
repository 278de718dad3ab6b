package relay

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// Registry owns the set of live, admitted connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]identity.Identity
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Conn]identity.Identity)}
}

// Register binds id to c. Registering the same connection twice fails with
// ErrAlreadyRegistered.
func (r *Registry) Register(c *Conn, id identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[c] = id
	return nil
}

// Unregister removes c. It reports whether c was registered.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return true
}

func (r *Registry) Lookup(c *Conn) (identity.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[c]
	if !ok {
		return identity.Identity{}, ErrNotFound
	}
	return id, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections in no particular order.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// CountIdentity returns how many registered connections belong to id.
func (r *Registry) CountIdentity(id identity.Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, got := range r.conns {
		if got == id {
			n++
		}
	}
	return n
}

package relay

import "sync"

// Registry is the per-instance index from an authenticated identity to
// the set of live connections owned by that identity. It only covers
// connections on this process; cross-instance visibility comes from the
// event bus, never from here.
//
// A Registry is an explicitly constructed, injected dependency rather
// than process-global state, so tests can run several independent
// registries side by side.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{} // identity -> connection set
	count int
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[*Conn]struct{})}
}

// Register adds conn to the identity's connection set, creating the set
// if absent. Registering the same connection twice is a no-op.
func (r *Registry) Register(identity string, conn *Conn) {
	r.mu.Lock()
	set, ok := r.conns[identity]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[identity] = set
	}
	if _, dup := set[conn]; !dup {
		set[conn] = struct{}{}
		r.count++
	}
	r.mu.Unlock()
}

// Unregister removes conn from the identity's set if present; removing an
// absent connection is a no-op. Empty sets are dropped to bound memory.
func (r *Registry) Unregister(identity string, conn *Conn) {
	r.mu.Lock()
	if set, ok := r.conns[identity]; ok {
		if _, present := set[conn]; present {
			delete(set, conn)
			r.count--
		}
		if len(set) == 0 {
			delete(r.conns, identity)
		}
	}
	r.mu.Unlock()
}

// Connections returns a snapshot of the identity's live connections. The
// returned slice is safe to iterate without holding any lock.
func (r *Registry) Connections(identity string) []*Conn {
	r.mu.RLock()
	set := r.conns[identity]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, r.count)
	for _, set := range r.conns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

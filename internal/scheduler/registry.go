package scheduler

import (
	"sort"
	"sync"
)

// Registry maps agent ids to their single live handle.
type Registry struct {
	handles map[string]*Handle
	mu      sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Put registers h for agentID and returns the handle it replaced, if any.
// The caller is responsible for cancelling the replaced handle.
func (r *Registry) Put(agentID string, h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[agentID]
	r.handles[agentID] = h
	return prev
}

// Get returns the live handle for agentID.
func (r *Registry) Get(agentID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[agentID]
	return h, ok
}

// Remove drops agentID's entry only if it still points at h, so a stale
// handle can never unregister its replacement.
func (r *Registry) Remove(agentID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[agentID]; ok && cur == h {
		delete(r.handles, agentID)
		return true
	}
	return false
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// AgentIDs lists agents with a live handle, sorted.
func (r *Registry) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain removes and returns every handle.
func (r *Registry) Drain() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, h)
		delete(r.handles, id)
	}
	return out
}

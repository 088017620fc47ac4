package execution

import (
	"context"
	"sync"
)

// Handle is the control surface of one in-flight execution. Cancel stops the
// workflow task; Done closes when the task has fully unwound. CloseBrowser
// force-closes browser resources and must be safe to call more than once.
type Handle struct {
	ExecutionID  string
	SessionID    string
	RunID        string
	Cancel       context.CancelFunc
	Done         <-chan struct{}
	CloseBrowser func(ctx context.Context) error
}

// Registry tracks in-flight executions by execution id.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds a handle, replacing any previous one for the id.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	r.handles[h.ExecutionID] = h
	r.mu.Unlock()
}

// Get looks up a handle.
func (r *Registry) Get(executionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[executionID]
	return h, ok
}

// Remove drops a handle.
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	delete(r.handles, executionID)
	r.mu.Unlock()
}

// IDs lists registered execution ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}

// Count reports the number of in-flight executions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

package pipeline

import (
	"context"
	"sync"
)

// CancelRegistry tracks the cancel functions of builds executing in
// this process so other components can abort them at the next stage
// boundary.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) register(buildID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[buildID] = cancel
}

func (r *CancelRegistry) unregister(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, buildID)
}

// Abort signals the executor running the given build to stop. Returns
// false if the build is not executing in this process.
func (r *CancelRegistry) Abort(buildID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[buildID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

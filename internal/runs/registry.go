// Package runs tracks the single active turn per conversation and lets
// callers steer, abort, or wait for it. The registry is an injectable store
// so tests can use a fresh instance per case.
package runs

import (
	"fmt"
	"sync"
	"time"
)

// DefaultWaitTimeout bounds WaitForEnd when no timeout is given.
const DefaultWaitTimeout = 15 * time.Second

// Handle is the live control surface of an active run.
type Handle interface {
	// QueueMessage forwards text into the streaming turn. Returns false if
	// the run is not currently streaming or is mid-compaction.
	QueueMessage(text string) bool

	// IsStreaming reports whether the run is actively streaming output.
	IsStreaming() bool

	// IsCompacting reports whether the run is inside a context compaction.
	IsCompacting() bool

	// Abort cooperatively cancels the run.
	Abort()
}

// Registry maps session ids to their active run handle. At most one run may
// be registered per session id at any instant.
type Registry struct {
	mu      sync.Mutex
	active  map[string]Handle
	waiters map[string][]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[string]Handle),
		waiters: make(map[string][]chan struct{}),
	}
}

// Register installs the handle for a starting run. It fails if a run is
// already active for the session id.
func (r *Registry) Register(sessionID string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[sessionID]; exists {
		return fmt.Errorf("run already active for session %s", sessionID)
	}
	r.active[sessionID] = h
	return nil
}

// Deregister removes the run for a session id and wakes all waiters.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	delete(r.active, sessionID)
	waiters := r.waiters[sessionID]
	delete(r.waiters, sessionID)
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// IsActive reports whether a run is registered for the session id.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// IsStreaming reports whether the registered run is streaming output.
func (r *Registry) IsStreaming(sessionID string) bool {
	r.mu.Lock()
	h := r.active[sessionID]
	r.mu.Unlock()
	return h != nil && h.IsStreaming()
}

// QueueMessage steers text into the active run. Returns false when there is
// no active run, the run is not streaming, or the run is mid-compaction.
func (r *Registry) QueueMessage(sessionID, text string) bool {
	r.mu.Lock()
	h := r.active[sessionID]
	r.mu.Unlock()

	if h == nil {
		return false
	}
	if !h.IsStreaming() || h.IsCompacting() {
		return false
	}
	return h.QueueMessage(text)
}

// Abort signals the active run to stop. Returns whether a run existed.
func (r *Registry) Abort(sessionID string) bool {
	r.mu.Lock()
	h := r.active[sessionID]
	r.mu.Unlock()

	if h == nil {
		return false
	}
	h.Abort()
	return true
}

// WaitForEnd blocks until the run for sessionID deregisters. Returns true
// immediately when no run is registered, true when the run ends before the
// timeout, and false on timeout. Multiple waiters may coexist.
func (r *Registry) WaitForEnd(sessionID string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	r.mu.Lock()
	if _, ok := r.active[sessionID]; !ok {
		r.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	r.waiters[sessionID] = append(r.waiters[sessionID], w)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return true
	case <-timer.C:
		r.removeWaiter(sessionID, w)
		return false
	}
}

func (r *Registry) removeWaiter(sessionID string, w chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.waiters[sessionID]
	for i, cand := range list {
		if cand == w {
			r.waiters[sessionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ActiveCount returns the number of registered runs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

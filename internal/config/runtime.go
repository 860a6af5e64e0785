package config

import "sync"

// Runtime is the concurrency-safe holder for the mutable System row. The
// daemon seeds it at startup; the API and the checks-file watcher replace it;
// the queue pipeline snapshots it per entry.
type Runtime struct {
	mu  sync.RWMutex
	sys System
}

// NewRuntime seeds the holder.
func NewRuntime(sys System) *Runtime {
	return &Runtime{sys: sys}
}

// Get returns a copy of the current system configuration. Entries already in
// flight keep the snapshot they started with.
func (r *Runtime) Get() System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sys
}

// Set replaces the system configuration.
func (r *Runtime) Set(sys System) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sys = sys
}

// Update applies fn to a copy under the lock and installs the result.
// Returns the installed value.
func (r *Runtime) Update(fn func(*System)) System {
	r.mu.Lock()
	defer r.mu.Unlock()
	sys := r.sys
	fn(&sys)
	r.sys = sys
	return sys
}

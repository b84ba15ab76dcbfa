// Package health aggregates readiness signals from the server's subsystems.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single probe so one stuck dependency cannot stall
// the whole health endpoint.
const checkTimeout = 2 * time.Second

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered probes on demand. Probes run in registration
// order so the health payload stays stable across calls.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Checker
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a probe under name. Registering a name twice replaces the
// earlier probe and keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
}

// CheckAll probes every subsystem and reports whether all are healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	checks := make(map[string]Checker, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(order))
	for _, name := range order {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := checks[name](probeCtx)
		cancel()
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}

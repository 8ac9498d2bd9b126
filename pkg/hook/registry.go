// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync"

	"github.com/mbeema/ldhook/pkg/catalog"
)

// Default is a process-wide registry for callers that accumulate hooks away
// from the command they will confirm. Prefer a per-command registry: anything
// registered here is visible to every confirmation that merges it.
var Default = NewRegistry()

// Registry is a set of pending hooks keyed by function. Registering a hook
// for a function that is already present replaces its override but keeps the
// function's original position.
type Registry struct {
	mu    sync.Mutex
	order []catalog.Function
	hooks map[catalog.Function]Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[catalog.Function]Hook)}
}

// Register inserts h, replacing any hook for the same function.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(h)
}

// RegisterMany registers hooks in order; later entries win.
func (r *Registry) RegisterMany(hooks ...Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hooks {
		r.register(h)
	}
}

func (r *Registry) register(h Hook) {
	if _, ok := r.hooks[h.function]; !ok {
		r.order = append(r.order, h.function)
	}
	r.hooks[h.function] = h
}

// Drain atomically removes and returns every registered hook. A second call
// without new registrations returns an empty slice.
func (r *Registry) Drain() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Hook, 0, len(r.order))
	for _, fn := range r.order {
		out = append(out, r.hooks[fn])
	}
	r.order = nil
	r.hooks = make(map[catalog.Function]Hook)
	return out
}

// Len returns the number of distinct functions registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

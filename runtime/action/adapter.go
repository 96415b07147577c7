package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type (
	// Adapter executes approved invocations against one external system.
	Adapter interface {
		// ID is the registry key ("slack", "linear").
		ID() string
		// Risk classifies an action by name so submission can route
		// unknown names conservatively.
		Risk(name string) RiskLevel
		// Execute runs the action and returns its JSON result. Execute is
		// only ever called with an approved invocation.
		Execute(ctx context.Context, inv Invocation) (json.RawMessage, error)
	}

	// AdapterRegistry holds the registered adapters.
	AdapterRegistry struct {
		mu       sync.RWMutex
		adapters map[string]Adapter
	}
)

// NewAdapterRegistry returns an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate ids are a wiring bug.
func (r *AdapterRegistry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("adapter id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("adapter %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Lookup returns the adapter registered under id.
func (r *AdapterRegistry) Lookup(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, id)
	}
	return a, nil
}

// IDs returns the registered adapter ids sorted.
func (r *AdapterRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

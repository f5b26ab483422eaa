package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the registered channel adapters, one per kind. It must be
// created via NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Kind]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	kind := normalizeKind(adapter.Kind())
	if kind == "" {
		return fmt.Errorf("channel kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("channel kind already registered: %s", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeKind(kind)]
	return adapter, ok
}

// Require is Get with an error for unknown kinds.
func (r *Registry) Require(kind Kind) (Adapter, error) {
	adapter, ok := r.Get(kind)
	if !ok {
		return nil, NewError(CodeUnsupported, fmt.Sprintf("no adapter registered for %q", kind), nil)
	}
	return adapter, nil
}

// Handshaker returns the adapter's handshake capability if it has one.
func (r *Registry) Handshaker(kind Kind) (Handshaker, bool) {
	adapter, ok := r.Get(kind)
	if !ok {
		return nil, false
	}
	h, ok := adapter.(Handshaker)
	return h, ok
}

// Kinds returns all registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Kind, 0, len(r.adapters))
	for kind := range r.adapters {
		items = append(items, kind)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// Descriptors lists metadata for every registered adapter.
func (r *Registry) Descriptors() []Descriptor {
	kinds := r.Kinds()
	out := make([]Descriptor, 0, len(kinds))
	for _, kind := range kinds {
		if adapter, ok := r.Get(kind); ok {
			out = append(out, adapter.Descriptor())
		}
	}
	return out
}

func normalizeKind(kind Kind) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(kind.String())))
}

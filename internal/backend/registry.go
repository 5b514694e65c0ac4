package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateBackend = errors.New("backend already registered")
	ErrUnknownBackend   = errors.New("backend is not registered")
	ErrInvalidEntry     = errors.New("invalid backend entry")
)

// Registry holds registered backends keyed by name. Entries are appended during
// initialization and never removed or mutated afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register adds an entry under its descriptor's name. Registering a name twice
// fails with ErrDuplicateBackend and leaves the first registration in place.
func (r *Registry) Register(e Entry) error {
	if err := e.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.Descriptor.Name
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("backend %q: %w", name, ErrDuplicateBackend)
	}
	r.entries[name] = e
	return nil
}

// MustRegister is like Register but panics on error. Intended for static
// catalogs assembled at process start.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Resolve returns the entry registered under name.
func (r *Registry) Resolve(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("backend %q: %w", name, ErrUnknownBackend)
	}
	return e, nil
}

// ListNames returns the registered names, sorted for stable log output.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the descriptors of all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		descs = append(descs, e.Descriptor)
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Name < descs[j].Name
	})
	return descs
}

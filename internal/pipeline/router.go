package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoBackend is returned when neither the requested engine nor the
// fallback is registered.
var ErrNoBackend = errors.New("no backend registered")

// Router maps engine names to backend implementations with a fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router. fallback is used when a requested engine is
// unknown or empty.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	if backends == nil {
		backends = make(map[string]T)
	}
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for engine, falling back to the default.
func (r *Router[T]) Route(engine string) (T, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("engine %q: %w", engine, ErrNoBackend)
}

// Has reports whether engine is registered.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns the registered names, sorted.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider on first use.
type Factory func() (any, error)

// Registry resolves provider names to capabilities. Providers are built
// lazily so a missing credential only fails the first call that needs it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	built     map[string]any
	errs      map[string]error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]any),
		errs:      make(map[string]error),
	}
}

// Register adds a lazily built provider.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.built, name)
	delete(r.errs, name)
}

// Add registers an already constructed provider.
func (r *Registry) Add(name string, provider any) {
	r.Register(name, func() (any, error) { return provider, nil })
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) get(name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.built[name]; ok {
		return p, nil
	}
	if err, ok := r.errs[name]; ok {
		return nil, err
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	p, err := f()
	if err != nil {
		r.errs[name] = err
		return nil, err
	}
	r.built[name] = p
	return p, nil
}

// Lookup resolves name and asserts it provides capability T.
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	p, err := r.get(name)
	if err != nil {
		return zero, err
	}
	c, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("provider %q does not support %T", name, &zero)
	}
	return c, nil
}

// Completer resolves a text generation provider.
func (r *Registry) Completer(name string) (Completer, error) {
	return Lookup[Completer](r, name)
}

// Structured resolves a structured output provider.
func (r *Registry) Structured(name string) (StructuredCompleter, error) {
	return Lookup[StructuredCompleter](r, name)
}

// Embedder resolves an embedding provider.
func (r *Registry) Embedder(name string) (Embedder, error) {
	return Lookup[Embedder](r, name)
}

// Streamer resolves a streaming text provider.
func (r *Registry) Streamer(name string) (Streamer, error) {
	return Lookup[Streamer](r, name)
}

// ImageGenerator resolves an image provider.
func (r *Registry) ImageGenerator(name string) (ImageGenerator, error) {
	return Lookup[ImageGenerator](r, name)
}

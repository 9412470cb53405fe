package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StepRunner executes a named step. A durable engine memoizes each step's
// encoded result by name so that a retried job skips completed steps.
type StepRunner interface {
	Do(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) ([]byte, error)
}

// Step runs fn through r and decodes its memoized result.
func Step[T any](ctx context.Context, r StepRunner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Do(ctx, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", name, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("step %s: decode result: %w", name, err)
	}
	return out, nil
}

// Inline runs every step directly with no memoization.
type Inline struct{}

// Do implements StepRunner.
func (Inline) Do(ctx context.Context, _ string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	return fn(ctx)
}

// Memo caches successful step results by name. Reusing a Memo across
// attempts of the same event replays completed steps from the cache.
type Memo struct {
	mu       sync.Mutex
	results  map[string][]byte
	executed []string
}

// NewMemo creates an empty cache.
func NewMemo() *Memo {
	return &Memo{results: make(map[string][]byte)}
}

// Do implements StepRunner.
func (m *Memo) Do(ctx context.Context, name string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	if raw, ok := m.results[name]; ok {
		m.mu.Unlock()
		return raw, nil
	}
	m.executed = append(m.executed, name)
	m.mu.Unlock()

	raw, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.results[name] = raw
	m.mu.Unlock()
	return raw, nil
}

// Executed lists step names in the order their functions actually ran,
// including failed runs.
func (m *Memo) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

// Completed reports whether a step has a cached result.
func (m *Memo) Completed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.results[name]
	return ok
}

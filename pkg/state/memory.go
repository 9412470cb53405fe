package state

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process. Suitable for a single worker and
// for tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*UserState
	locks  map[string]chan struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*UserState),
		locks:  make(map[string]chan struct{}),
	}
}

// Get returns a copy of the stored state.
func (m *MemoryStore) Get(ctx context.Context, userID string) (*UserState, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[userID]; ok {
		return s.Clone(), nil
	}
	return New(userID), nil
}

// Update serializes fn per user. Waiting for the lock honours ctx.
func (m *MemoryStore) Update(ctx context.Context, userID string, fn func(*UserState) error) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	lock := m.userLock(userID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	s, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	fnErr := fn(s)

	m.mu.Lock()
	m.states[userID] = s.Clone()
	m.mu.Unlock()
	return fnErr
}

func (m *MemoryStore) userLock(userID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[userID] = lock
	}
	return lock
}

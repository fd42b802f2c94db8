package ledger

import (
	"context"
	"sync"
)

// Store persists a single principal's State.
type Store interface {
	// Load returns ErrNotFound when nothing has been saved yet.
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// MemoryStore keeps the state in process memory (tests, ephemeral devices).
type MemoryStore struct {
	mu  sync.Mutex
	st  State
	set bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return State{}, ErrNotFound
	}
	return m.st.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = s.Clone()
	m.set = true
	return nil
}

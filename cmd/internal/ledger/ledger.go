package ledger

import (
	"context"
	"errors"
	"sync"
)

// Ledger owns one principal's State and is its single writer.
type Ledger struct {
	mu    sync.Mutex
	st    State
	store Store
}

// Open loads the persisted state for principalID, or starts an empty one.
func Open(ctx context.Context, store Store, principalID string) (*Ledger, error) {
	st, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		st = New(principalID)
	case err != nil:
		return nil, err
	case st.PrincipalID != principalID:
		return nil, ErrPrincipalMismatch
	}
	return &Ledger{st: st.Clone(), store: store}, nil
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.Clone()
}

// Apply runs transition against the current state, persists the result and
// swaps it in. On any error the visible state is unchanged.
func (l *Ledger) Apply(ctx context.Context, transition func(State) (State, error)) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := transition(l.st.Clone())
	if err != nil {
		return State{}, err
	}
	if err := l.store.Save(ctx, next); err != nil {
		return State{}, err
	}
	l.st = next
	return next.Clone(), nil
}

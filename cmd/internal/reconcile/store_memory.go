package reconcile

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"offpay/cmd/internal/keylock"
	"offpay/cmd/payment"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// A per-payer keyed lock plays the role of the Postgres advisory lock; a
// single state mutex keeps each Apply atomic.
type InMemoryStore struct {
	locks *keylock.Map

	mu         sync.Mutex
	principals map[string]Principal
	records    map[string]Record
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locks:      keylock.New(),
		principals: make(map[string]Principal),
		records:    make(map[string]Record),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *InMemoryStore) RegisterPrincipal(ctx context.Context, p Principal) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	if err := validatePrincipal(p); err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[p.ID]; ok {
		return Principal{}, ErrPrincipalExists
	}
	now := time.Now().UTC()
	p.PublicKey = slices.Clone(p.PublicKey)
	p.OfflineBalance, p.LastCounter = 0, 0
	p.CreatedAt, p.UpdatedAt = now, now
	s.principals[p.ID] = p
	return p, nil
}

func (s *InMemoryStore) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (s *InMemoryStore) LoadOffline(ctx context.Context, id string, amount int64, policy payment.Policy) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	if err := policy.CheckLoad(p.OfflineBalance, amount); err != nil {
		return Principal{}, err
	}
	if amount > p.MainBalance {
		return Principal{}, payment.ErrInsufficientFunds
	}
	p.MainBalance -= amount
	p.OfflineBalance += amount
	p.UpdatedAt = time.Now().UTC()
	s.principals[id] = p
	return p, nil
}

func (s *InMemoryStore) GetRecord(ctx context.Context, tokenID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[tokenID]
	return r, ok, nil
}

func (s *InMemoryStore) Apply(ctx context.Context, tok payment.Token, now time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	unlock := s.locks.Lock(tok.PayerID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[tok.ID]; ok {
		return Record{}, ErrDuplicate
	}
	payer, ok := s.principals[tok.PayerID]
	if !ok {
		return Record{}, payment.ErrUnknownPayer
	}
	payee, ok := s.principals[tok.PayeeID]
	if !ok {
		return Record{}, payment.ErrUnknownPayee
	}
	if tok.Counter <= payer.LastCounter {
		return Record{}, payment.ErrReplayDetected
	}
	if tok.Amount > payer.OfflineBalance {
		return Record{}, payment.ErrInsufficientFunds
	}

	rec := newRecord(tok, now)
	payer.OfflineBalance -= tok.Amount
	payer.LastCounter = tok.Counter
	payer.UpdatedAt = now
	payee.MainBalance += tok.Amount
	payee.UpdatedAt = now

	// Self-payment: payer and payee share one row.
	if payer.ID == payee.ID {
		payer.MainBalance = payee.MainBalance
	}
	s.records[tok.ID] = rec
	s.principals[payee.ID] = payee
	s.principals[payer.ID] = payer
	return rec, nil
}

func newRecord(tok payment.Token, now time.Time) Record {
	return Record{
		TokenID:   tok.ID,
		PayerID:   tok.PayerID,
		PayeeID:   tok.PayeeID,
		Amount:    tok.Amount,
		Counter:   tok.Counter,
		Status:    StatusCompleted,
		Digest:    tok.Digest(),
		CreatedAt: time.UnixMilli(tok.CreatedAtMillis).UTC(),
		SyncedAt:  now.UTC(),
	}
}

func validatePrincipal(p Principal) error {
	if strings.TrimSpace(p.ID) == "" || len(p.ID) > 128 {
		return ErrInvalidInput
	}
	if len(p.PublicKey) != 32 {
		return ErrInvalidInput
	}
	if p.MainBalance < 0 {
		return ErrInvalidInput
	}
	return nil
}

package basket

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/btcbridge/internal/syncutil"
)

// MemoryStore is the in-memory reconciliation state. All mutation of a
// basket is serialized through a per-receipt lock, so concurrent handler
// units touching the same receipt cannot interleave. Basket contents are
// only read or written under mu, so snapshots taken while another
// receipt's handler is mid-update are always whole.
type MemoryStore struct {
	mu      sync.RWMutex
	baskets map[uint64]*Basket
	locks   syncutil.ReceiptMutex

	issuerMu sync.Mutex
	issuer   *Issuer
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty reconciliation state
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithIssuer(NewIssuer())
}

// NewMemoryStoreWithIssuer creates a store with a custom receipt issuer (tests)
func NewMemoryStoreWithIssuer(issuer *Issuer) *MemoryStore {
	return &MemoryStore{
		baskets: make(map[uint64]*Basket),
		issuer:  issuer,
	}
}

// Issue hands out a fresh process-unique receipt number
func (s *MemoryStore) Issue(ctx context.Context) (uint64, error) {
	s.issuerMu.Lock()
	defer s.issuerMu.Unlock()
	return s.issuer.Next()
}

// Create registers a new basket for the receipt number
func (s *MemoryStore) Create(ctx context.Context, receipt uint64, quantities [8]uint64) (*Basket, error) {
	unlock := s.locks.Lock(receipt)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.baskets[receipt]; exists {
		return nil, ErrExists
	}

	now := time.Now().UTC()
	b := &Basket{
		Receipt:    receipt,
		Quantities: quantities,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.baskets[receipt] = b
	return b.clone(), nil
}

// Get returns a snapshot of the basket
func (s *MemoryStore) Get(ctx context.Context, receipt uint64) (*Basket, error) {
	unlock := s.locks.Lock(receipt)
	defer unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baskets[receipt]
	if !ok {
		return nil, ErrNotFound
	}
	return b.clone(), nil
}

// Update applies fn to the basket. The per-receipt lock serializes
// same-receipt updates; the store lock is held across the mutation so
// snapshot reads (Get, List) never observe a basket mid-write. If fn
// returns an error the basket is left as fn produced it only when fn
// mutated it; fn is expected to either complete the mutation or leave
// the basket untouched.
func (s *MemoryStore) Update(ctx context.Context, receipt uint64, fn func(*Basket) error) (*Basket, error) {
	unlock := s.locks.Lock(receipt)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.baskets[receipt]
	if !ok {
		return nil, ErrNotFound
	}

	if err := fn(b); err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Now().UTC()
	return b.clone(), nil
}

// List returns snapshots of all baskets
func (s *MemoryStore) List(ctx context.Context) ([]*Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Basket, 0, len(s.baskets))
	for _, b := range s.baskets {
		out = append(out, b.clone())
	}
	return out, nil
}

// Len reports how many baskets are tracked
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baskets)
}

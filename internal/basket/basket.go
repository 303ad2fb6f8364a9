// Package basket holds the in-memory reconciliation state tying receipt
// numbers to baskets, confirmation flags, and escrow progress.
//
// Receipt numbers are the local correlation key between the supply-chain
// ledger, the transaction bridge, and the payment rail. They are issued
// here, never by a ledger.
package basket

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("basket: receipt not found")
	ErrExists    = errors.New("basket: receipt already exists")
	ErrExhausted = errors.New("basket: receipt number space exhausted")
)

// State is the escrow lifecycle position of one basket
type State int

const (
	StateNotCreated State = iota
	StateCreated
	StateAwaitingConfirmation
	StateConfirmed
	StatePaid
	StateRefunded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotCreated:
		return "not_created"
	case StateCreated:
		return "created"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConfirmed:
		return "confirmed"
	case StatePaid:
		return "paid"
	case StateRefunded:
		return "refunded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// LineItem is one priced entry in a basket
type LineItem struct {
	ItemID     uint64 `json:"itemId"`
	Quantity   uint64 `json:"quantity"`
	PriceCents uint64 `json:"priceCents"`
}

// Basket tracks one purchase from creation through payment or refund.
// Identity (the receipt number) is immutable; lines only append.
type Basket struct {
	Receipt    uint64     `json:"receipt"`
	Quantities [8]uint64  `json:"quantities"` // per catalog slot, from the purchase event
	Lines      []LineItem `json:"lines"`
	Total      uint64     `json:"total"` // minor currency units
	State      State      `json:"state"`

	SellerConfirmed bool `json:"sellerConfirmed"`
	BuyerConfirmed  bool `json:"buyerConfirmed"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BothConfirmed reports whether seller and buyer have both confirmed
func (b *Basket) BothConfirmed() bool {
	return b.SellerConfirmed && b.BuyerConfirmed
}

// clone returns a deep copy safe to hand out of the store
func (b *Basket) clone() *Basket {
	out := *b
	out.Lines = append([]LineItem(nil), b.Lines...)
	return &out
}

// Store is the reconciliation state boundary. Update serializes all
// mutation per receipt number.
type Store interface {
	Issue(ctx context.Context) (uint64, error)
	Create(ctx context.Context, receipt uint64, quantities [8]uint64) (*Basket, error)
	Get(ctx context.Context, receipt uint64) (*Basket, error)
	Update(ctx context.Context, receipt uint64, fn func(*Basket) error) (*Basket, error)
	List(ctx context.Context) ([]*Basket, error)
}

// maxReceipt bounds the draw range, matching the printed receipt width
const maxReceipt = 999999

// Issuer hands out process-unique receipt numbers: a uniform random draw
// over [1, maxReceipt], re-drawn on collision. Issued numbers are never
// recycled for the process lifetime.
type Issuer struct {
	draw   func() uint64
	issued map[uint64]struct{}
}

// NewIssuer creates an issuer backed by crypto/rand
func NewIssuer() *Issuer {
	return &Issuer{
		draw:   cryptoDraw,
		issued: make(map[uint64]struct{}),
	}
}

// NewIssuerWithDraw creates an issuer with a custom draw function (tests)
func NewIssuerWithDraw(draw func() uint64) *Issuer {
	return &Issuer{
		draw:   draw,
		issued: make(map[uint64]struct{}),
	}
}

// Next returns a fresh receipt number, or ErrExhausted when the whole
// range has been issued.
//
// Not safe for concurrent use on its own; callers hold the store's issuer
// lock (see MemoryStore.Issue).
func (i *Issuer) Next() (uint64, error) {
	if len(i.issued) >= maxReceipt {
		return 0, ErrExhausted
	}
	for {
		n := i.draw()%maxReceipt + 1
		if _, taken := i.issued[n]; taken {
			continue
		}
		i.issued[n] = struct{}{}
		return n, nil
	}
}

// Issued reports how many receipt numbers have been handed out
func (i *Issuer) Issued() int {
	return len(i.issued)
}

func cryptoDraw() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Package payrail moves value between the buyer and seller once escrow
// confirms, over a Bitcoin-testnet-style wallet service.
//
// The rail never sees receipt numbers or escrow state; it only transfers a
// named amount between the two configured parties, in either direction.
package payrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/btcbridge/internal/metrics"
)

var (
	ErrPayment   = errors.New("payrail: transfer failed")
	ErrPrecision = errors.New("payrail: amount not representable at rail precision")
	ErrCurrency  = errors.New("payrail: unsupported currency")
)

// Direction selects which party pays. One enum, not two code paths.
type Direction int

const (
	// Forward moves funds buyer -> seller (payment)
	Forward Direction = iota
	// Reverse moves funds seller -> buyer (refund)
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// MarshalJSON encodes the direction by name
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "forward" or "reverse"
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "forward":
		*d = Forward
	case "reverse":
		*d = Reverse
	default:
		return fmt.Errorf("payrail: unknown direction %q", s)
	}
	return nil
}

// PaymentError wraps rail transfer failures with context
type PaymentError struct {
	Direction Direction
	Amount    string // major units
	Err       error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payrail: %s transfer of %s failed: %v", e.Direction, e.Amount, e.Err)
}

func (e *PaymentError) Unwrap() error { return ErrPayment }

// Account is the wallet capability the rail calls. Key custody and
// signing live behind it, not here.
type Account interface {
	Address() string
	Balance(ctx context.Context, currency string) (string, error)
	Send(ctx context.Context, toAddress, amount, currency string) (txID string, err error)
}

// Result describes one completed transfer
type Result struct {
	TxID   string
	From   string
	To     string
	Amount string // major units as sent to the rail
}

// Rail settles confirmed escrows between the two configured parties
type Rail struct {
	buyer    Account
	seller   Account
	currency string
	decimals int
	logger   *slog.Logger
}

// New creates a rail adapter settling in the given currency
func New(buyer, seller Account, currency string, logger *slog.Logger) (*Rail, error) {
	decimals, err := CurrencyDecimals(currency)
	if err != nil {
		return nil, err
	}
	return &Rail{
		buyer:    buyer,
		seller:   seller,
		currency: currency,
		decimals: decimals,
		logger:   logger,
	}, nil
}

// Buyer returns the buyer-side account
func (r *Rail) Buyer() Account { return r.buyer }

// Seller returns the seller-side account
func (r *Rail) Seller() Account { return r.seller }

// Currency returns the settlement currency
func (r *Rail) Currency() string { return r.currency }

// Transfer moves amountMinor (minor currency units) between the parties.
// Forward pays buyer -> seller, Reverse refunds seller -> buyer. Amounts
// that are not exactly representable at the rail's precision are rejected
// with ErrPrecision rather than truncated.
func (r *Rail) Transfer(ctx context.Context, direction Direction, amountMinor uint64) (*Result, error) {
	amount, err := FormatMinor(amountMinor, r.decimals)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(direction.String(), "rejected").Inc()
		return nil, err
	}

	from, to := r.buyer, r.seller
	if direction == Reverse {
		from, to = r.seller, r.buyer
	}

	txID, err := from.Send(ctx, to.Address(), amount, r.currency)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(direction.String(), "failed").Inc()
		return nil, &PaymentError{Direction: direction, Amount: amount, Err: err}
	}

	metrics.PaymentsTotal.WithLabelValues(direction.String(), "succeeded").Inc()
	r.logger.Info("rail transfer broadcast",
		"direction", direction.String(),
		"amount", amount,
		"currency", r.currency,
		"tx", txID,
	)

	return &Result{
		TxID:   txID,
		From:   from.Address(),
		To:     to.Address(),
		Amount: amount,
	}, nil
}

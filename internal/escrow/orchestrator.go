// Package escrow drives the basket lifecycle from ledger events.
//
// The orchestrator is the only component that mutates basket state. One
// handler unit runs per delivered event; units touching the same receipt
// number are serialized, units for different receipts run concurrently.
// Transitions are driven by event arrival order, so a unit tolerates
// events arriving before their logical prerequisite: it logs the
// observation and leaves the basket alone instead of failing the stream.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/btcbridge/internal/basket"
	"github.com/mbd888/btcbridge/internal/events"
	"github.com/mbd888/btcbridge/internal/logging"
	"github.com/mbd888/btcbridge/internal/metrics"
	"github.com/mbd888/btcbridge/internal/payrail"
	"github.com/mbd888/btcbridge/internal/retry"
	"github.com/mbd888/btcbridge/internal/supply"
	"github.com/mbd888/btcbridge/internal/syncutil"
)

// Bridge is the slice of the ledger client the orchestrator drives the
// escrow contract through.
type Bridge interface {
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	Transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error)
}

// Pricer prices purchases and publishes quotes on the supply-chain ledger
type Pricer interface {
	PriceQuantities(ctx context.Context, quantities [8]uint64) ([]supply.Quote, uint64, error)
	SubmitPricing(ctx context.Context, receipt uint64, quotes []supply.Quote) error
}

// Rail settles confirmed baskets
type Rail interface {
	Transfer(ctx context.Context, direction payrail.Direction, amountMinor uint64) (*payrail.Result, error)
}

// PaymentRecord is one rail transfer attempt tied to a receipt
type PaymentRecord struct {
	Receipt   uint64            `json:"receipt"`
	Direction payrail.Direction `json:"direction"`
	Amount    uint64            `json:"amount"` // minor units
	TxID      string            `json:"txId,omitempty"`
	Succeeded bool              `json:"succeeded"`
	At        time.Time         `json:"at"`
}

// Config tunes the orchestrator's side-effect retries
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Orchestrator reconciles supply-chain and bridge events into basket
// state and triggers rail settlement.
type Orchestrator struct {
	store   basket.Store
	catalog Pricer
	bridge  Bridge
	rail    Rail
	logger  *slog.Logger
	cfg     Config

	locks syncutil.ReceiptMutex

	payMu    sync.Mutex
	payments map[uint64][]PaymentRecord
}

// New creates an orchestrator over the given collaborators
func New(store basket.Store, catalog Pricer, bridge Bridge, rail Rail, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		catalog:  catalog,
		bridge:   bridge,
		rail:     rail,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		payments: make(map[uint64][]PaymentRecord),
	}
}

// Handle processes one decoded event. This is the dispatcher's handler:
// a returned error means the unit failed, it never stops the stream.
func (o *Orchestrator) Handle(ctx context.Context, ev events.Event) error {
	ctx = logging.WithLogger(ctx, o.logger.With("event", string(ev.Kind), "block", ev.Block))

	switch p := ev.Payload.(type) {
	case events.PurchaseRequested:
		return o.handlePurchase(ctx, p)
	case events.ItemsPriced:
		return o.handleItemsPriced(ctx, p)
	case events.SellerConfirmed:
		return o.handleConfirmation(ctx, p.Receipt, p.Total, true)
	case events.BuyerConfirmed:
		return o.handleConfirmation(ctx, p.Receipt, p.Total, false)
	case events.PaymentInitiated:
		return o.handlePayment(ctx, p)
	case events.TransactionRefunded:
		return o.handleRefund(ctx, p)

	// Observed, logged, no state change.
	case events.ProductsAdded:
		slot := supply.Slot{Gate: supply.GateType(p.Gate), Pins: supply.PinCount(p.Pins)}
		logging.L(ctx).Info("products restocked", "item", slot.Label(), "added", p.NumAdded)
		return nil
	case events.ItemsDefective:
		for i, slot := range supply.Slots() {
			if p.Quantities[i] != 0 {
				logging.L(ctx).Info("defective items pulled", "item", slot.Label(), "count", p.Quantities[i])
			}
		}
		return nil
	case events.TransactionCreated:
		logging.L(ctx).Info("escrow transaction open", "receipt", p.Receipt)
		return nil
	case events.TransactionUpdated:
		logging.L(ctx).Info("escrow total updated", "receipt", p.Receipt, "total", p.Total)
		return nil
	}

	return fmt.Errorf("escrow: unhandled event kind %s", ev.Kind)
}

// handlePurchase issues a receipt, prices the purchase, opens the escrow
// transaction, and publishes the quotes back to the supply-chain ledger.
func (o *Orchestrator) handlePurchase(ctx context.Context, p events.PurchaseRequested) error {
	quotes, total, err := o.catalog.PriceQuantities(ctx, p.Quantities)
	if err != nil {
		// Guard: a basket whose total cannot be computed is never created.
		logging.L(ctx).Error("purchase not priceable", "error", err)
		return err
	}

	receipt, err := o.store.Issue(ctx)
	if err != nil {
		return err
	}
	ctx = logging.WithReceipt(ctx, receipt)

	unlock := o.locks.Lock(receipt)
	defer unlock()

	if _, err := o.store.Create(ctx, receipt, p.Quantities); err != nil {
		return err
	}
	metrics.BasketsLive.Inc()
	o.transitionMetric(basket.StateCreated)
	logging.L(ctx).Info("basket created", "total_quoted", total)

	if err := o.transactBridge(ctx, "create_transaction", new(big.Int).SetUint64(receipt)); err != nil {
		o.markFailed(ctx, receipt, "create_transaction failed", err)
		return err
	}

	if err := retry.Do(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		return o.catalog.SubmitPricing(ctx, receipt, quotes)
	}); err != nil {
		o.markFailed(ctx, receipt, "pricing submission failed", err)
		return err
	}

	return nil
}

// handleItemsPriced appends priced lines and moves the basket to
// AwaitingConfirmation once the bridge accepts the items.
func (o *Orchestrator) handleItemsPriced(ctx context.Context, p events.ItemsPriced) error {
	ctx = logging.WithReceipt(ctx, p.Receipt)

	if len(p.ItemIDs) != len(p.Prices) {
		logging.L(ctx).Error("pricing payload count mismatch",
			"items", len(p.ItemIDs), "prices", len(p.Prices))
		return fmt.Errorf("%w: %d item ids, %d prices", events.ErrValidation, len(p.ItemIDs), len(p.Prices))
	}

	unlock := o.locks.Lock(p.Receipt)
	defer unlock()

	b, err := o.store.Get(ctx, p.Receipt)
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			// Pricing for a receipt this process never issued; another
			// listener instance owns it.
			logging.L(ctx).Warn("pricing for unknown receipt ignored")
			return nil
		}
		return err
	}
	if b.State != basket.StateCreated {
		logging.L(ctx).Warn("pricing ignored", "state", b.State.String())
		return nil
	}

	ids := make([]*big.Int, len(p.ItemIDs))
	prices := make([]*big.Int, len(p.Prices))
	for i := range p.ItemIDs {
		ids[i] = new(big.Int).SetUint64(p.ItemIDs[i])
		prices[i] = new(big.Int).SetUint64(p.Prices[i])
	}

	if err := o.transactBridge(ctx, "add_items_to_transaction",
		new(big.Int).SetUint64(p.Receipt), ids, prices); err != nil {
		return err
	}

	updated, err := o.store.Update(ctx, p.Receipt, func(b *basket.Basket) error {
		var total uint64
		for i := range p.ItemIDs {
			b.Lines = append(b.Lines, basket.LineItem{
				ItemID:     p.ItemIDs[i],
				Quantity:   1,
				PriceCents: p.Prices[i],
			})
			total += p.Prices[i]
		}
		b.Total += total
		b.State = basket.StateAwaitingConfirmation
		return nil
	})
	if err != nil {
		return err
	}

	o.transitionMetric(basket.StateAwaitingConfirmation)
	logging.L(ctx).Info("basket priced", "lines", len(updated.Lines), "total", updated.Total)
	return nil
}

// handleConfirmation sets one party's flag, idempotently, and promotes
// the basket to Confirmed once both are set.
func (o *Orchestrator) handleConfirmation(ctx context.Context, receipt, total uint64, seller bool) error {
	ctx = logging.WithReceipt(ctx, receipt)

	unlock := o.locks.Lock(receipt)
	defer unlock()

	party := "buyer"
	if seller {
		party = "seller"
	}

	var applied, promoted bool
	updated, err := o.store.Update(ctx, receipt, func(b *basket.Basket) error {
		if b.State != basket.StateAwaitingConfirmation && b.State != basket.StateConfirmed {
			logging.L(ctx).Warn("confirmation ignored", "party", party, "state", b.State.String())
			return nil
		}
		applied = true
		if total != b.Total {
			logging.L(ctx).Warn("confirmation total differs from basket",
				"party", party, "event_total", total, "basket_total", b.Total)
		}
		if seller {
			b.SellerConfirmed = true
		} else {
			b.BuyerConfirmed = true
		}
		if b.BothConfirmed() && b.State != basket.StateConfirmed {
			b.State = basket.StateConfirmed
			promoted = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			logging.L(ctx).Warn("confirmation for unknown receipt ignored", "party", party)
			return nil
		}
		return err
	}

	switch {
	case promoted:
		o.transitionMetric(basket.StateConfirmed)
		logging.L(ctx).Info("both parties confirmed", "total", updated.Total)
	case applied:
		logging.L(ctx).Info("confirmation recorded", "party", party)
	}
	return nil
}

// handlePayment settles a confirmed basket buyer -> seller
func (o *Orchestrator) handlePayment(ctx context.Context, p events.PaymentInitiated) error {
	ctx = logging.WithReceipt(ctx, p.Receipt)

	unlock := o.locks.Lock(p.Receipt)
	defer unlock()

	b, err := o.store.Get(ctx, p.Receipt)
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			logging.L(ctx).Warn("payment for unknown receipt ignored")
			return nil
		}
		return err
	}
	if b.State != basket.StateConfirmed || b.Total == 0 {
		logging.L(ctx).Warn("payment ignored", "state", b.State.String(), "total", b.Total)
		return nil
	}
	if p.Total != b.Total {
		logging.L(ctx).Warn("payment total differs from basket",
			"event_total", p.Total, "basket_total", b.Total)
	}

	res, err := o.transfer(ctx, payrail.Forward, b.Total)
	o.recordPayment(p.Receipt, payrail.Forward, b.Total, res, err)
	if err != nil {
		o.markFailed(ctx, p.Receipt, "settlement failed", err)
		return err
	}

	if _, err := o.store.Update(ctx, p.Receipt, func(b *basket.Basket) error {
		b.State = basket.StatePaid
		return nil
	}); err != nil {
		return err
	}
	o.transitionMetric(basket.StatePaid)
	logging.L(ctx).Info("basket settled", "amount", b.Total, "tx", res.TxID)
	return nil
}

// handleRefund reverses a settled basket seller -> buyer. A failed
// refund leaves the basket Paid so the refund can be driven again.
func (o *Orchestrator) handleRefund(ctx context.Context, p events.TransactionRefunded) error {
	ctx = logging.WithReceipt(ctx, p.Receipt)

	unlock := o.locks.Lock(p.Receipt)
	defer unlock()

	b, err := o.store.Get(ctx, p.Receipt)
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			logging.L(ctx).Warn("refund for unknown receipt ignored")
			return nil
		}
		return err
	}
	if b.State != basket.StatePaid {
		logging.L(ctx).Warn("refund ignored", "state", b.State.String())
		return nil
	}
	if !o.hasSettledPayment(p.Receipt, payrail.Forward) {
		logging.L(ctx).Warn("refund ignored, no settled forward payment on record")
		return nil
	}

	res, err := o.transfer(ctx, payrail.Reverse, b.Total)
	o.recordPayment(p.Receipt, payrail.Reverse, b.Total, res, err)
	if err != nil {
		// State stays Paid; a later refund event can retry.
		logging.L(ctx).Error("refund transfer failed", "error", err)
		return err
	}

	if _, err := o.store.Update(ctx, p.Receipt, func(b *basket.Basket) error {
		b.State = basket.StateRefunded
		return nil
	}); err != nil {
		return err
	}
	metrics.BasketsLive.Dec()
	o.transitionMetric(basket.StateRefunded)
	logging.L(ctx).Info("basket refunded", "amount", b.Total, "tx", res.TxID)
	return nil
}

// transactBridge submits one escrow contract transaction with retries.
// Packing and revert failures are permanent; transport failures retry.
func (o *Orchestrator) transactBridge(ctx context.Context, method string, args ...interface{}) error {
	return retry.Do(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		_, err := o.bridge.Transact(ctx, method, args...)
		return err
	})
}

// transfer runs one rail transfer with retries. Precision rejections are
// permanent: retrying cannot make an amount representable.
func (o *Orchestrator) transfer(ctx context.Context, dir payrail.Direction, amountMinor uint64) (*payrail.Result, error) {
	var res *payrail.Result
	err := retry.Do(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		var err error
		res, err = o.rail.Transfer(ctx, dir, amountMinor)
		if errors.Is(err, payrail.ErrPrecision) || errors.Is(err, payrail.ErrCurrency) {
			return retry.Permanent(err)
		}
		return err
	})
	return res, err
}

func (o *Orchestrator) recordPayment(receipt uint64, dir payrail.Direction, amount uint64, res *payrail.Result, err error) {
	rec := PaymentRecord{
		Receipt:   receipt,
		Direction: dir,
		Amount:    amount,
		Succeeded: err == nil,
		At:        time.Now().UTC(),
	}
	if res != nil {
		rec.TxID = res.TxID
	}
	o.payMu.Lock()
	o.payments[receipt] = append(o.payments[receipt], rec)
	o.payMu.Unlock()
}

func (o *Orchestrator) hasSettledPayment(receipt uint64, dir payrail.Direction) bool {
	o.payMu.Lock()
	defer o.payMu.Unlock()
	for _, rec := range o.payments[receipt] {
		if rec.Direction == dir && rec.Succeeded {
			return true
		}
	}
	return false
}

// Payments returns the transfer records for a receipt, oldest first
func (o *Orchestrator) Payments(receipt uint64) []PaymentRecord {
	o.payMu.Lock()
	defer o.payMu.Unlock()
	return append([]PaymentRecord(nil), o.payments[receipt]...)
}

// BridgeState reads the escrow contract's own state ordinal for a
// receipt, for comparison against local state.
func (o *Orchestrator) BridgeState(ctx context.Context, receipt uint64) (uint64, error) {
	out, err := o.bridge.Call(ctx, "get_state", new(big.Int).SetUint64(receipt))
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("escrow: get_state returned nothing")
	}
	state, ok := out[0].(*big.Int)
	if !ok || !state.IsUint64() {
		return 0, fmt.Errorf("escrow: get_state returned a non-integer")
	}
	return state.Uint64(), nil
}

func (o *Orchestrator) markFailed(ctx context.Context, receipt uint64, msg string, cause error) {
	logging.L(ctx).Error(msg, "error", cause)
	if _, err := o.store.Update(ctx, receipt, func(b *basket.Basket) error {
		b.State = basket.StateFailed
		return nil
	}); err != nil {
		logging.L(ctx).Error("could not mark basket failed", "error", err)
		return
	}
	metrics.BasketsLive.Dec()
	o.transitionMetric(basket.StateFailed)
}

func (o *Orchestrator) transitionMetric(s basket.State) {
	metrics.EscrowTransitionsTotal.WithLabelValues(s.String()).Inc()
}

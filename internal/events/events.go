// Package events turns raw contract logs into a closed set of typed events.
//
// Each event kind maps to one contract event on one of the two ledgers.
// Payloads are decoded exactly once, at the subscription boundary, so
// downstream handlers work with an exhaustively matchable union instead of
// loose attribute maps.
package events

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrValidation marks a log whose payload could not be decoded into its
// declared shape. Such logs are counted and discarded, never propagated.
var ErrValidation = errors.New("events: malformed payload")

// Kind identifies one contract event stream
type Kind string

const (
	// Supply-chain ledger events
	KindPurchaseRequested Kind = "purchase_requested"
	KindItemsPriced       Kind = "items_priced"
	KindProductsAdded     Kind = "products_added"
	KindItemsDefective    Kind = "items_defective"

	// Transaction-bridge ledger events
	KindTransactionCreated  Kind = "transaction_created"
	KindTransactionUpdated  Kind = "transaction_updated"
	KindSellerConfirmed     Kind = "seller_confirmed"
	KindBuyerConfirmed      Kind = "buyer_confirmed"
	KindPaymentInitiated    Kind = "payment_initiated"
	KindTransactionRefunded Kind = "transaction_refunded"
)

// Event is one decoded ledger observation
type Event struct {
	Kind    Kind
	Block   uint64
	TxHash  common.Hash
	Payload Payload
}

// Payload is the closed union of event payload shapes
type Payload interface {
	payloadKind() Kind
}

// PurchaseRequested reports quantities bought per catalog slot
type PurchaseRequested struct {
	Quantities [8]uint64
}

// ItemsPriced carries the priced line items for a basket
type ItemsPriced struct {
	Receipt uint64
	ItemIDs []uint64
	Prices  []uint64 // minor currency units per line
}

// ProductsAdded reports restocking of one catalog product
type ProductsAdded struct {
	Gate     uint8
	Pins     uint8
	NumAdded uint64
}

// ItemsDefective reports items pulled from the supply chain
type ItemsDefective struct {
	Quantities [8]uint64
}

// TransactionCreated reports a new escrow transaction on the bridge
type TransactionCreated struct {
	Receipt uint64
}

// TransactionUpdated reports a new basket total on the bridge
type TransactionUpdated struct {
	Receipt uint64
	Total   uint64
}

// SellerConfirmed reports the seller's go-ahead for payment
type SellerConfirmed struct {
	Receipt uint64
	Total   uint64
}

// BuyerConfirmed reports the buyer's go-ahead for payment
type BuyerConfirmed struct {
	Receipt uint64
	Total   uint64
}

// PaymentInitiated reports the bridge releasing a basket for settlement
type PaymentInitiated struct {
	Receipt uint64
	Total   uint64
}

// TransactionRefunded reports the bridge reversing a paid basket
type TransactionRefunded struct {
	Receipt uint64
	Total   uint64
}

func (PurchaseRequested) payloadKind() Kind   { return KindPurchaseRequested }
func (ItemsPriced) payloadKind() Kind         { return KindItemsPriced }
func (ProductsAdded) payloadKind() Kind       { return KindProductsAdded }
func (ItemsDefective) payloadKind() Kind      { return KindItemsDefective }
func (TransactionCreated) payloadKind() Kind  { return KindTransactionCreated }
func (TransactionUpdated) payloadKind() Kind  { return KindTransactionUpdated }
func (SellerConfirmed) payloadKind() Kind     { return KindSellerConfirmed }
func (BuyerConfirmed) payloadKind() Kind      { return KindBuyerConfirmed }
func (PaymentInitiated) payloadKind() Kind    { return KindPaymentInitiated }
func (TransactionRefunded) payloadKind() Kind { return KindTransactionRefunded }

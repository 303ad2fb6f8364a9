// Package supply is the client side of the supply-chain ledger: the chip
// catalog, unit-price lookup, and purchase pricing.
//
// The catalog is fixed at eight products, logic gates keyed by gate type
// and pin count. Purchase events carry quantities indexed by catalog
// slot, in catalog order.
package supply

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrBadQuote    = errors.New("supply: ledger returned an unusable quote")
	ErrOverflow    = errors.New("supply: priced amount overflows")
	ErrUnpriceable = errors.New("supply: catalog slot has no retrievable price")
)

// GateType identifies the logic family of a catalog chip
type GateType uint8

const (
	GateNAND GateType = 1
	GateNOR  GateType = 2
)

func (g GateType) String() string {
	switch g {
	case GateNAND:
		return "NAND"
	case GateNOR:
		return "NOR"
	}
	return fmt.Sprintf("gate(%d)", uint8(g))
}

// PinCount identifies a chip package size. Values are the ledger's
// enum ordinals, not raw pin numbers.
type PinCount uint8

const (
	Pins6  PinCount = 1
	Pins8  PinCount = 2
	Pins12 PinCount = 3
	Pins14 PinCount = 4
)

// Pins returns the physical pin count for the package
func (p PinCount) Pins() int {
	switch p {
	case Pins6:
		return 6
	case Pins8:
		return 8
	case Pins12:
		return 12
	case Pins14:
		return 14
	}
	return 0
}

func (p PinCount) String() string {
	if n := p.Pins(); n != 0 {
		return fmt.Sprintf("%d-pin", n)
	}
	return fmt.Sprintf("pins(%d)", uint8(p))
}

// Slot is one catalog position
type Slot struct {
	Gate GateType
	Pins PinCount
}

// Label is the human-readable catalog name, e.g. "NAND-6"
func (s Slot) Label() string {
	return fmt.Sprintf("%s-%d", s.Gate, s.Pins.Pins())
}

// Slots lists the catalog in ledger order. Quantity arrays in purchase
// events index into this order.
func Slots() [8]Slot {
	return [8]Slot{
		{GateNAND, Pins6},
		{GateNOR, Pins6},
		{GateNAND, Pins8},
		{GateNOR, Pins8},
		{GateNAND, Pins12},
		{GateNOR, Pins12},
		{GateNAND, Pins14},
		{GateNOR, Pins14},
	}
}

// Quote prices one catalog slot of a purchase
type Quote struct {
	ItemID         uint64
	Slot           Slot
	Quantity       uint64
	UnitPriceCents uint64
	PriceCents     uint64
}

// Caller is the slice of the ledger client the catalog uses
type Caller interface {
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	Transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error)
}

// priceField is the unit price's position in the inquire_product tuple
const priceField = 3

// Catalog prices purchases against the supply-chain contract
type Catalog struct {
	ledger Caller
	logger *slog.Logger
	itemID func() uint64
}

// NewCatalog creates a catalog client over the supply-chain ledger
func NewCatalog(ledger Caller, logger *slog.Logger) *Catalog {
	return &Catalog{
		ledger: ledger,
		logger: logger,
		itemID: drawItemID,
	}
}

// NewCatalogWithItemIDs creates a catalog with a custom item-id source (tests)
func NewCatalogWithItemIDs(ledger Caller, logger *slog.Logger, itemID func() uint64) *Catalog {
	return &Catalog{ledger: ledger, logger: logger, itemID: itemID}
}

// UnitPrice reads one slot's unit price, in minor currency units, from
// the supply-chain contract.
func (c *Catalog) UnitPrice(ctx context.Context, slot Slot) (uint64, error) {
	out, err := c.ledger.Call(ctx, "inquire_product", uint8(slot.Gate), uint8(slot.Pins))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnpriceable, slot.Label(), err)
	}
	if len(out) <= priceField {
		return 0, fmt.Errorf("%w: %s: got %d fields", ErrBadQuote, slot.Label(), len(out))
	}
	price, ok := out[priceField].(*big.Int)
	if !ok || !price.IsUint64() {
		return 0, fmt.Errorf("%w: %s: bad price field", ErrBadQuote, slot.Label())
	}
	return price.Uint64(), nil
}

// PriceQuantities prices a full purchase: one quote per catalog slot,
// quantity times unit price. Every slot gets a quote, zero-quantity slots
// included, so the pricing submission stays aligned with catalog order.
func (c *Catalog) PriceQuantities(ctx context.Context, quantities [8]uint64) ([]Quote, uint64, error) {
	quotes := make([]Quote, 0, len(quantities))
	var total uint64

	for i, slot := range Slots() {
		unit, err := c.UnitPrice(ctx, slot)
		if err != nil {
			return nil, 0, err
		}

		qty := quantities[i]
		if qty != 0 && unit > ^uint64(0)/qty {
			return nil, 0, fmt.Errorf("%w: %s x%d", ErrOverflow, slot.Label(), qty)
		}
		price := qty * unit
		if total > ^uint64(0)-price {
			return nil, 0, fmt.Errorf("%w: running total", ErrOverflow)
		}
		total += price

		quotes = append(quotes, Quote{
			ItemID:         c.itemID(),
			Slot:           slot,
			Quantity:       qty,
			UnitPriceCents: unit,
			PriceCents:     price,
		})
	}

	return quotes, total, nil
}

// maxItemID bounds drawn fulfillment item identifiers
const maxItemID = 100

func drawItemID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])%maxItemID + 1
}

// SubmitPricing publishes quotes for a receipt on the supply-chain
// ledger. The contract emits items_priced, which drives the basket's
// item-add step on the bridge side.
func (c *Catalog) SubmitPricing(ctx context.Context, receipt uint64, quotes []Quote) error {
	ids := make([]*big.Int, len(quotes))
	prices := make([]*big.Int, len(quotes))
	for i, q := range quotes {
		ids[i] = new(big.Int).SetUint64(q.ItemID)
		prices[i] = new(big.Int).SetUint64(q.PriceCents)
	}

	rcpt, err := c.ledger.Transact(ctx, "price_items", new(big.Int).SetUint64(receipt), ids, prices)
	if err != nil {
		return err
	}

	c.logger.Info("pricing submitted",
		"receipt", receipt,
		"items", len(quotes),
		"tx", rcpt.TxHash.Hex(),
	)
	return nil
}

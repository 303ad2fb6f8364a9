package supply

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeLedger serves canned inquire_product tuples and records transacts
type fakeLedger struct {
	prices  map[Slot]uint64
	callErr error

	transactMethod string
	transactArgs   []interface{}
	transactErr    error
}

func (f *fakeLedger) Call(_ context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if method != "inquire_product" {
		return nil, errors.New("unexpected method " + method)
	}
	slot := Slot{Gate: GateType(args[0].(uint8)), Pins: PinCount(args[1].(uint8))}
	price, ok := f.prices[slot]
	if !ok {
		return nil, errors.New("unknown slot")
	}
	// 7-field product tuple with the unit price at index 3
	return []interface{}{
		big.NewInt(int64(slot.Gate)),
		big.NewInt(int64(slot.Pins)),
		big.NewInt(1000),
		new(big.Int).SetUint64(price),
		big.NewInt(0),
		big.NewInt(0),
		big.NewInt(0),
	}, nil
}

func (f *fakeLedger) Transact(_ context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	f.transactMethod = method
	f.transactArgs = args
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0x01"),
	}, nil
}

func allPriced(unit uint64) map[Slot]uint64 {
	prices := make(map[Slot]uint64, 8)
	for _, s := range Slots() {
		prices[s] = unit
	}
	return prices
}

func newTestCatalog(ledger Caller) *Catalog {
	id := uint64(0)
	return NewCatalogWithItemIDs(ledger, slog.New(slog.DiscardHandler), func() uint64 {
		id++
		return id
	})
}

func TestSlots_CatalogOrder(t *testing.T) {
	want := []string{"NAND-6", "NOR-6", "NAND-8", "NOR-8", "NAND-12", "NOR-12", "NAND-14", "NOR-14"}
	for i, slot := range Slots() {
		if slot.Label() != want[i] {
			t.Errorf("slot %d = %s, want %s", i, slot.Label(), want[i])
		}
	}
}

func TestUnitPrice(t *testing.T) {
	ledger := &fakeLedger{prices: map[Slot]uint64{{GateNAND, Pins6}: 250}}
	cat := newTestCatalog(ledger)

	price, err := cat.UnitPrice(context.Background(), Slot{GateNAND, Pins6})
	if err != nil {
		t.Fatalf("UnitPrice failed: %v", err)
	}
	if price != 250 {
		t.Errorf("price = %d, want 250", price)
	}
}

func TestUnitPrice_CallError(t *testing.T) {
	ledger := &fakeLedger{callErr: errors.New("rpc down")}
	cat := newTestCatalog(ledger)

	if _, err := cat.UnitPrice(context.Background(), Slot{GateNAND, Pins6}); !errors.Is(err, ErrUnpriceable) {
		t.Errorf("err = %v, want ErrUnpriceable", err)
	}
}

type shortTupleLedger struct{ fakeLedger }

func (s *shortTupleLedger) Call(context.Context, string, ...interface{}) ([]interface{}, error) {
	return []interface{}{big.NewInt(1)}, nil
}

func TestUnitPrice_ShortTuple(t *testing.T) {
	cat := newTestCatalog(&shortTupleLedger{})
	if _, err := cat.UnitPrice(context.Background(), Slot{GateNAND, Pins6}); !errors.Is(err, ErrBadQuote) {
		t.Errorf("err = %v, want ErrBadQuote", err)
	}
}

func TestPriceQuantities(t *testing.T) {
	ledger := &fakeLedger{prices: allPriced(100)}
	ledger.prices[Slot{GateNOR, Pins14}] = 300
	cat := newTestCatalog(ledger)

	quantities := [8]uint64{2, 0, 0, 0, 0, 0, 0, 5}
	quotes, total, err := cat.PriceQuantities(context.Background(), quantities)
	if err != nil {
		t.Fatalf("PriceQuantities failed: %v", err)
	}

	if len(quotes) != 8 {
		t.Fatalf("got %d quotes, want 8", len(quotes))
	}
	if quotes[0].PriceCents != 200 || quotes[7].PriceCents != 1500 {
		t.Errorf("quotes priced wrong: %d, %d", quotes[0].PriceCents, quotes[7].PriceCents)
	}
	for i, q := range quotes[1:7] {
		if q.PriceCents != 0 {
			t.Errorf("zero-quantity slot %d priced %d", i+1, q.PriceCents)
		}
	}
	if total != 1700 {
		t.Errorf("total = %d, want 1700", total)
	}
	for _, q := range quotes {
		if q.ItemID < 1 {
			t.Errorf("quote %s missing item id", q.Slot.Label())
		}
	}
}

func TestPriceQuantities_Overflow(t *testing.T) {
	ledger := &fakeLedger{prices: allPriced(^uint64(0))}
	cat := newTestCatalog(ledger)

	if _, _, err := cat.PriceQuantities(context.Background(), [8]uint64{2}); !errors.Is(err, ErrOverflow) {
		t.Errorf("err = %v, want ErrOverflow", err)
	}
}

func TestSubmitPricing(t *testing.T) {
	ledger := &fakeLedger{prices: allPriced(100)}
	cat := newTestCatalog(ledger)

	quotes, _, err := cat.PriceQuantities(context.Background(), [8]uint64{1})
	if err != nil {
		t.Fatal(err)
	}

	if err := cat.SubmitPricing(context.Background(), 42, quotes); err != nil {
		t.Fatalf("SubmitPricing failed: %v", err)
	}

	if ledger.transactMethod != "price_items" {
		t.Errorf("method = %q", ledger.transactMethod)
	}
	if got := ledger.transactArgs[0].(*big.Int).Uint64(); got != 42 {
		t.Errorf("receipt arg = %d", got)
	}
	ids := ledger.transactArgs[1].([]*big.Int)
	prices := ledger.transactArgs[2].([]*big.Int)
	if len(ids) != 8 || len(prices) != 8 {
		t.Fatalf("arg lengths %d, %d", len(ids), len(prices))
	}
	if prices[0].Uint64() != 100 {
		t.Errorf("first price = %d, want 100", prices[0].Uint64())
	}
}

func TestSubmitPricing_TransactError(t *testing.T) {
	boom := errors.New("reverted")
	ledger := &fakeLedger{prices: allPriced(100), transactErr: boom}
	cat := newTestCatalog(ledger)

	quotes, _, err := cat.PriceQuantities(context.Background(), [8]uint64{1})
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.SubmitPricing(context.Background(), 42, quotes); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

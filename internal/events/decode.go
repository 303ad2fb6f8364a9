package events

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// contractEventName maps each kind to the event name emitted by its contract.
// The supply chain uses snake_case event names, the bridge CamelCase; both are
// fixed by the deployed contracts.
var contractEventName = map[Kind]string{
	KindPurchaseRequested:   "items_bought",
	KindItemsPriced:         "items_priced",
	KindProductsAdded:       "added_products",
	KindItemsDefective:      "items_defective",
	KindTransactionCreated:  "TransactionCreated",
	KindTransactionUpdated:  "TransactionUpdated",
	KindSellerConfirmed:     "SellerOk",
	KindBuyerConfirmed:      "BuyerOk",
	KindPaymentInitiated:    "PaymentInitiated",
	KindTransactionRefunded: "TransactionRefunded",
}

// ContractEventName returns the on-contract event name for a kind
func ContractEventName(kind Kind) (string, error) {
	name, ok := contractEventName[kind]
	if !ok {
		return "", fmt.Errorf("events: unknown kind %q", kind)
	}
	return name, nil
}

// decodeLog unpacks a raw log into the kind's payload shape.
// Indexed arguments come from topics, the rest from the data blob.
func decodeLog(kind Kind, ev abi.Event, log types.Log) (Payload, error) {
	args := map[string]interface{}{}

	if len(log.Data) > 0 {
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrValidation, kind, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("%w: %s: missing indexed topics", ErrValidation, kind)
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrValidation, kind, err)
		}
	}

	return buildPayload(kind, args)
}

func buildPayload(kind Kind, args map[string]interface{}) (Payload, error) {
	switch kind {
	case KindPurchaseRequested:
		q, err := uint64Array8(args, "num_buy")
		if err != nil {
			return nil, err
		}
		return PurchaseRequested{Quantities: q}, nil

	case KindItemsPriced:
		receipt, err := receiptArg(args)
		if err != nil {
			return nil, err
		}
		items, err := uint64Slice(args, "item_id")
		if err != nil {
			return nil, err
		}
		prices, err := uint64Slice(args, "prices")
		if err != nil {
			return nil, err
		}
		if len(items) != len(prices) {
			return nil, fmt.Errorf("%w: items_priced: %d item ids but %d prices",
				ErrValidation, len(items), len(prices))
		}
		return ItemsPriced{Receipt: receipt, ItemIDs: items, Prices: prices}, nil

	case KindProductsAdded:
		gate, err := uint8Arg(args, "gate")
		if err != nil {
			return nil, err
		}
		pins, err := uint8Arg(args, "pins")
		if err != nil {
			return nil, err
		}
		n, err := uint64Arg(args, "num_added")
		if err != nil {
			return nil, err
		}
		return ProductsAdded{Gate: gate, Pins: pins, NumAdded: n}, nil

	case KindItemsDefective:
		q, err := uint64Array8(args, "num_defective")
		if err != nil {
			return nil, err
		}
		return ItemsDefective{Quantities: q}, nil

	case KindTransactionCreated:
		receipt, err := receiptArg(args)
		if err != nil {
			return nil, err
		}
		return TransactionCreated{Receipt: receipt}, nil

	case KindTransactionUpdated:
		receipt, total, err := receiptTotalArgs(args)
		if err != nil {
			return nil, err
		}
		return TransactionUpdated{Receipt: receipt, Total: total}, nil

	case KindSellerConfirmed:
		receipt, total, err := receiptTotalArgs(args)
		if err != nil {
			return nil, err
		}
		return SellerConfirmed{Receipt: receipt, Total: total}, nil

	case KindBuyerConfirmed:
		receipt, total, err := receiptTotalArgs(args)
		if err != nil {
			return nil, err
		}
		return BuyerConfirmed{Receipt: receipt, Total: total}, nil

	case KindPaymentInitiated:
		receipt, total, err := receiptTotalArgs(args)
		if err != nil {
			return nil, err
		}
		return PaymentInitiated{Receipt: receipt, Total: total}, nil

	case KindTransactionRefunded:
		receipt, total, err := receiptTotalArgs(args)
		if err != nil {
			return nil, err
		}
		return TransactionRefunded{Receipt: receipt, Total: total}, nil
	}

	return nil, fmt.Errorf("events: unknown kind %q", kind)
}

// receiptArg extracts and validates the receipt number. Receipts are
// positive integers; zero or out-of-range values are rejected.
func receiptArg(args map[string]interface{}) (uint64, error) {
	receipt, err := uint64Arg(args, "receipt_number")
	if err != nil {
		return 0, err
	}
	if receipt == 0 {
		return 0, fmt.Errorf("%w: receipt number must be positive", ErrValidation)
	}
	return receipt, nil
}

func receiptTotalArgs(args map[string]interface{}) (uint64, uint64, error) {
	receipt, err := receiptArg(args)
	if err != nil {
		return 0, 0, err
	}
	total, err := uint64Arg(args, "total")
	if err != nil {
		return 0, 0, err
	}
	return receipt, total, nil
}

func uint64Arg(args map[string]interface{}, name string) (uint64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrValidation, name)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q is not uint256", ErrValidation, name)
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("%w: argument %q out of range", ErrValidation, name)
	}
	return n.Uint64(), nil
}

func uint8Arg(args map[string]interface{}, name string) (uint8, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrValidation, name)
	}
	switch n := v.(type) {
	case uint8:
		return n, nil
	case *big.Int:
		if n.Sign() < 0 || n.Uint64() > math.MaxUint8 {
			return 0, fmt.Errorf("%w: argument %q out of range", ErrValidation, name)
		}
		return uint8(n.Uint64()), nil
	}
	return 0, fmt.Errorf("%w: argument %q is not uint8", ErrValidation, name)
}

func uint64Array8(args map[string]interface{}, name string) ([8]uint64, error) {
	var out [8]uint64
	v, ok := args[name]
	if !ok {
		return out, fmt.Errorf("%w: missing argument %q", ErrValidation, name)
	}
	arr, ok := v.([8]*big.Int)
	if !ok {
		return out, fmt.Errorf("%w: argument %q is not uint256[8]", ErrValidation, name)
	}
	for i, n := range arr {
		if n == nil || n.Sign() < 0 || !n.IsUint64() {
			return out, fmt.Errorf("%w: argument %q[%d] out of range", ErrValidation, name, i)
		}
		out[i] = n.Uint64()
	}
	return out, nil
}

func uint64Slice(args map[string]interface{}, name string) ([]uint64, error) {
	v, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing argument %q", ErrValidation, name)
	}
	s, ok := v.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: argument %q is not uint256[]", ErrValidation, name)
	}
	out := make([]uint64, len(s))
	for i, n := range s {
		if n == nil || n.Sign() < 0 || !n.IsUint64() {
			return nil, fmt.Errorf("%w: argument %q[%d] out of range", ErrValidation, name, i)
		}
		out[i] = n.Uint64()
	}
	return out, nil
}

package payrail

import (
	"fmt"
	"strconv"
	"strings"
)

// minorDecimals is the precision amounts arrive in: US cents
const minorDecimals = 2

// currencyDecimals fixes the native precision per settlement currency
var currencyDecimals = map[string]int{
	"usd": 2,
	"btc": 8,
}

// CurrencyDecimals returns the native precision for a rail currency
func CurrencyDecimals(currency string) (int, error) {
	d, ok := currencyDecimals[strings.ToLower(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrCurrency, currency)
	}
	return d, nil
}

// FormatMinor converts an amount in minor units (cents) to a major-unit
// decimal string at the given precision. The conversion is exact or it
// fails: an amount that would lose sub-unit value at the rail's precision
// returns ErrPrecision instead of being truncated.
func FormatMinor(amountMinor uint64, decimals int) (string, error) {
	whole := amountMinor / 100
	frac := amountMinor % 100

	switch {
	case decimals <= 0:
		if frac != 0 {
			return "", fmt.Errorf("%w: %d minor units at precision 0", ErrPrecision, amountMinor)
		}
		return strconv.FormatUint(whole, 10), nil

	case decimals < minorDecimals:
		// Coarser than cents: only amounts whose dropped digits are zero
		// survive exactly.
		scale := uint64(1)
		for i := 0; i < minorDecimals-decimals; i++ {
			scale *= 10
		}
		if frac%scale != 0 {
			return "", fmt.Errorf("%w: %d minor units at precision %d", ErrPrecision, amountMinor, decimals)
		}
		return fmt.Sprintf("%d.%0*d", whole, decimals, frac/scale), nil

	default:
		// Native precision at least matches cents: always exact.
		s := fmt.Sprintf("%d.%02d", whole, frac)
		if pad := decimals - minorDecimals; pad > 0 {
			s += strings.Repeat("0", pad)
		}
		return s, nil
	}
}

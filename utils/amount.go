package utils

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// nativeDecimals is the decimal count of the native asset (wei per coin).
const nativeDecimals = 18

// ToWei converts a native-unit decimal amount (e.g. "0.001" AVAX) into
// atomic units. Fractions below one wei are truncated.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(nativeDecimals).BigInt()
}

// FromWei converts atomic units back into a native-unit decimal.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Shift(-nativeDecimals)
}

// TruncateWithEllipsis bounds s to max runes, appending "..." when the
// input was cut. The bound applies to the kept prefix, not the marker.
func TruncateWithEllipsis(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

package chain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kesc-finance/wallet/internal/apperr"
)

// DefaultDecimals is the KESC token precision.
const DefaultDecimals int32 = 18

// ToBaseUnits converts a human decimal string into token base units.
// Malformed, negative and over-precise input is rejected rather than truncated.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, apperr.Field("amount", "Please enter a valid amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, apperr.Field("amount", "Please enter a valid amount")
	}
	if d.IsNegative() {
		return nil, apperr.Field("amount", "Amount cannot be negative")
	}
	if -d.Exponent() > decimals && !d.Equal(d.Truncate(decimals)) {
		return nil, apperr.Field("amount", "Amount has too many decimal places")
	}
	return d.Shift(decimals).BigInt(), nil
}

// FromBaseUnits formats base units as a decimal string without trailing zeros.
func FromBaseUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

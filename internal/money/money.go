// Package money fixes the scale of all USD arithmetic in the ledger.
package money

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the fixed fractional-digit count for USD values. Every value
// that crosses a component boundary goes through Format first so balances
// compare exactly.
const Precision = 8

// Format rounds a USD value to the fixed scale.
func Format(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// FromUnits converts a raw token amount with the given decimals into a
// token-unit decimal (not USD).
func FromUnits(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Div(decimal.New(1, int32(decimals)))
}

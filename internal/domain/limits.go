package domain

import "github.com/shopspring/decimal"

// ExchangeLimits are the per-instrument bounds an order must satisfy.
// A nil bound is not enforced.
type ExchangeLimits struct {
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	MinCost   *decimal.Decimal
	MaxCost   *decimal.Decimal

	// Decimal places for quantity and price
	AmountPrecision int32
	PricePrecision  int32
}

// DefaultLimits are whole units and cent prices with no bounds
func DefaultLimits() ExchangeLimits {
	return ExchangeLimits{
		AmountPrecision: 0,
		PricePrecision:  2,
	}
}

// Dec is a helper for building optional bounds
func Dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

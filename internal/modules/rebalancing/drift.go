package rebalancing

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

var (
	driftFullExit = decimal.NewFromInt(-1)
	driftNewEntry = decimal.NewFromInt(1)
)

type holding struct {
	symbol       string
	target       decimal.Decimal
	quantity     decimal.Decimal
	value        decimal.Decimal
	isQuoteAsset bool
}

// DriftCalculator compares current holdings with target weights.
// Rows come out in a stable order: the targets in the order given, then
// holdings without a target in the order they were added.
type DriftCalculator struct {
	rows  []*holding
	index map[string]*holding
}

// NewDriftCalculator starts a calculation for the given targets
func NewDriftCalculator(targets []domain.TargetWeight) *DriftCalculator {
	c := &DriftCalculator{
		rows:  make([]*holding, 0, len(targets)+1),
		index: make(map[string]*holding, len(targets)+1),
	}
	for _, t := range targets {
		if h, ok := c.index[t.Symbol]; ok {
			h.target = t.Weight
			continue
		}
		h := &holding{symbol: t.Symbol, target: t.Weight}
		c.rows = append(c.rows, h)
		c.index[t.Symbol] = h
	}
	return c
}

// AddPosition records a holding. Adding the same symbol twice accumulates.
func (c *DriftCalculator) AddPosition(symbol string, quantity, value decimal.Decimal, isQuoteAsset bool) {
	h, ok := c.index[symbol]
	if !ok {
		h = &holding{symbol: symbol}
		c.rows = append(c.rows, h)
		c.index[symbol] = h
	}
	h.quantity = h.quantity.Add(quantity)
	h.value = h.value.Add(value)
	h.isQuoteAsset = h.isQuoteAsset || isQuoteAsset
}

// Calculate returns one row per symbol, quote asset included
func (c *DriftCalculator) Calculate() []domain.DriftRow {
	total := decimal.Zero
	for _, h := range c.rows {
		total = total.Add(h.value)
	}

	rows := make([]domain.DriftRow, 0, len(c.rows))
	for _, h := range c.rows {
		row := domain.DriftRow{
			Symbol:          h.symbol,
			IsQuoteAsset:    h.isQuoteAsset,
			CurrentQuantity: h.quantity,
			CurrentValue:    h.value,
			CurrentWeight:   decimal.Zero,
			TargetWeight:    h.target,
			TargetValue:     h.target.Mul(total),
		}
		if !total.IsZero() {
			row.CurrentWeight = h.value.Div(total)
		}
		row.AbsoluteDrift = drift(row)
		rows = append(rows, row)
	}
	return rows
}

func drift(row domain.DriftRow) decimal.Decimal {
	switch {
	case row.IsQuoteAsset:
		return decimal.Zero
	case row.CurrentQuantity.IsPositive() && row.TargetWeight.IsZero():
		return driftFullExit
	case row.CurrentQuantity.IsZero() && row.TargetWeight.IsPositive():
		return driftNewEntry
	default:
		return row.TargetWeight.Sub(row.CurrentWeight)
	}
}

// ExceedsThreshold reports whether any tradeable row drifted further than threshold
func ExceedsThreshold(rows []domain.DriftRow, threshold decimal.Decimal) bool {
	for _, row := range rows {
		if !row.IsQuoteAsset && row.AbsoluteDrift.Abs().GreaterThan(threshold) {
			return true
		}
	}
	return false
}

// MaxDrift is the largest absolute drift of the tradeable rows
func MaxDrift(rows []domain.DriftRow) decimal.Decimal {
	maxDrift := decimal.Zero
	for _, row := range rows {
		if !row.IsQuoteAsset && row.AbsoluteDrift.Abs().GreaterThan(maxDrift) {
			maxDrift = row.AbsoluteDrift.Abs()
		}
	}
	return maxDrift
}

package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// RejectionReason names the exchange bound an order violated
type RejectionReason string

const (
	BelowMinQuantity RejectionReason = "BelowMinQuantity"
	AboveMaxQuantity RejectionReason = "AboveMaxQuantity"
	BelowMinPrice    RejectionReason = "BelowMinPrice"
	AbovePrice       RejectionReason = "AbovePrice"
	BelowMinCost     RejectionReason = "BelowMinCost"
	AboveMaxCost     RejectionReason = "AboveMaxCost"
)

// Rejection reports a local limit violation. It is an outcome, not a failure:
// the order is left unsubmitted and the caller moves on.
type Rejection struct {
	Reason RejectionReason
	Field  string
	Bound  decimal.Decimal
	Value  decimal.Decimal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s %s violates bound %s", r.Reason, r.Field, r.Value.String(), r.Bound.String())
}

// Is makes errors.Is(rejection, domain.ErrOrderRejectedByLimits) hold
func (r *Rejection) Is(target error) bool {
	return target == domain.ErrOrderRejectedByLimits
}

// priceField is one optional price of an order
type priceField struct {
	name  string
	value **decimal.Decimal
}

func priceFields(o *domain.Order) []priceField {
	return []priceField{
		{"limit_price", &o.LimitPrice},
		{"stop_price", &o.StopPrice},
		{"stop_loss_price", &o.StopLossPrice},
		{"stop_loss_limit_price", &o.StopLossLimitPrice},
	}
}

// ValidateAndNormalize quantizes quantity and every set price with banker's
// rounding, then checks the amount, price and notional cost bounds in that
// order. Sell quantities round toward zero so a sale never exceeds the units
// requested. The input is not modified; the normalized copy is returned.
// Normalizing an already normalized order returns it unchanged.
func ValidateAndNormalize(order domain.Order, limits domain.ExchangeLimits) (domain.Order, *Rejection) {
	normalized := order

	quantity := order.Quantity.RoundBank(limits.AmountPrecision)
	if order.Side == domain.OrderSideSell {
		quantity = order.Quantity.Truncate(limits.AmountPrecision)
	}
	normalized.Quantity = quantity

	if !quantity.IsPositive() {
		// Rounds to nothing at this precision
		increment := decimal.New(1, -limits.AmountPrecision)
		return normalized, &Rejection{Reason: BelowMinQuantity, Field: "quantity", Bound: increment, Value: quantity}
	}
	if limits.MinAmount != nil && quantity.LessThan(*limits.MinAmount) {
		return normalized, &Rejection{Reason: BelowMinQuantity, Field: "quantity", Bound: *limits.MinAmount, Value: quantity}
	}
	if limits.MaxAmount != nil && quantity.GreaterThan(*limits.MaxAmount) {
		return normalized, &Rejection{Reason: AboveMaxQuantity, Field: "quantity", Bound: *limits.MaxAmount, Value: quantity}
	}

	fields := priceFields(&normalized)
	for _, field := range fields {
		if *field.value != nil {
			price := (**field.value).RoundBank(limits.PricePrecision)
			*field.value = &price
		}
	}

	for _, field := range fields {
		if *field.value == nil {
			continue
		}
		price := **field.value
		if limits.MinPrice != nil && price.LessThan(*limits.MinPrice) {
			return normalized, &Rejection{Reason: BelowMinPrice, Field: field.name, Bound: *limits.MinPrice, Value: price}
		}
		if limits.MaxPrice != nil && price.GreaterThan(*limits.MaxPrice) {
			return normalized, &Rejection{Reason: AbovePrice, Field: field.name, Bound: *limits.MaxPrice, Value: price}
		}
	}

	for _, field := range fields {
		if *field.value == nil {
			continue
		}
		cost := (**field.value).Mul(quantity)
		if limits.MinCost != nil && cost.LessThan(*limits.MinCost) {
			return normalized, &Rejection{Reason: BelowMinCost, Field: field.name, Bound: *limits.MinCost, Value: cost}
		}
		if limits.MaxCost != nil && cost.GreaterThan(*limits.MaxCost) {
			return normalized, &Rejection{Reason: AboveMaxCost, Field: field.name, Bound: *limits.MaxCost, Value: cost}
		}
	}

	return normalized, nil
}

package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceProvider supplies last traded prices.
// This interface breaks the dependency between rebalancing and the broker client.
type PriceProvider interface {
	GetLastPrice(ctx context.Context, asset *Asset) (decimal.Decimal, error)
}

// AccountProvider supplies broker account state
type AccountProvider interface {
	// GetPositions returns the non-cash holdings
	GetPositions(ctx context.Context) ([]Position, error)

	// GetCash forces a fresh balance read for the given currency
	GetCash(ctx context.Context, currency string) (decimal.Decimal, error)
}

// OrderExecutor submits and cancels orders.
// Submit never returns an error: failures are recorded on the order.
type OrderExecutor interface {
	Submit(ctx context.Context, order *Order) *Order
	CancelOpenOrders(ctx context.Context) error
}

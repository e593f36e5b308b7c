package rebalancing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fakePrices struct {
	prices map[string]decimal.Decimal
}

func (f *fakePrices) GetLastPrice(ctx context.Context, asset *domain.Asset) (decimal.Decimal, error) {
	price, ok := f.prices[asset.Symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", asset.Symbol, domain.ErrNoPrice)
	}
	return price, nil
}

// fakeAccount returns cash readings in sequence, repeating the last one
type fakeAccount struct {
	mu        sync.Mutex
	positions []domain.Position
	cash      []decimal.Decimal
	cashCalls int
	err       error
}

func (f *fakeAccount) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func (f *fakeAccount) GetCash(ctx context.Context, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	i := f.cashCalls
	if i >= len(f.cash) {
		i = len(f.cash) - 1
	}
	f.cashCalls++
	return f.cash[i], nil
}

// fakeExecutor accepts every order unless its symbol is listed in reject
type fakeExecutor struct {
	mu          sync.Mutex
	submitted   []*domain.Order
	reject      map[string]bool
	cancelCalls int
	cancelErr   error
}

func (f *fakeExecutor) Submit(ctx context.Context, order *domain.Order) *domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, order)
	if f.reject[order.Asset.Symbol] {
		order.SetRejected(domain.ErrOrderRejectedByLimits)
		return order
	}
	order.SetIdentifier(strconv.Itoa(len(f.submitted)))
	order.UpdateStatus("Submitted")
	return order
}

func (f *fakeExecutor) CancelOpenOrders(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, delay time.Duration) error {
	r.delays = append(r.delays, delay)
	return ctx.Err()
}

func position(symbol, quantity, value string) domain.Position {
	return domain.Position{
		Symbol:      symbol,
		Asset:       domain.NewAsset(symbol),
		Quantity:    d(quantity),
		MarketValue: d(value),
	}
}

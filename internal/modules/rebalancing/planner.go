package rebalancing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

// PlannerConfig holds the pricing and pacing parameters of a rebalance
type PlannerConfig struct {
	QuoteAsset         string
	AcceptableSlippage decimal.Decimal
	SlippageDivisor    decimal.Decimal
	FillSleep          time.Duration
	Backtesting        bool
	ReconcileBuyCash   bool
}

// PlannerConfigFromStrategy extracts the planner parameters
func PlannerConfigFromStrategy(s *config.Strategy) PlannerConfig {
	return PlannerConfig{
		QuoteAsset:         s.QuoteAsset,
		AcceptableSlippage: s.AcceptableSlippage,
		SlippageDivisor:    s.SlippageDivisor,
		FillSleep:          s.FillSleep(),
		Backtesting:        s.Backtesting,
		ReconcileBuyCash:   s.ReconcileBuyCash,
	}
}

// SkippedRow is a row the planner did not turn into an order
type SkippedRow struct {
	Symbol string
	Side   domain.OrderSide
	Reason string
}

// PlanReport lists what one rebalance submitted
type PlanReport struct {
	Sells         []*domain.Order
	Buys          []*domain.Order
	Skipped       []SkippedRow
	StartingCash  decimal.Decimal
	RemainingCash decimal.Decimal
}

// Submitted counts the orders the broker accepted
func (r *PlanReport) Submitted() int {
	n := 0
	for _, o := range append(append([]*domain.Order{}, r.Sells...), r.Buys...) {
		if o.Identifier != "" {
			n++
		}
	}
	return n
}

// Rejected counts the orders refused locally or by the broker
func (r *PlanReport) Rejected() int {
	n := 0
	for _, o := range append(append([]*domain.Order{}, r.Sells...), r.Buys...) {
		if o.Status == domain.OrderStatusRejected || o.Status == domain.OrderStatusError {
			n++
		}
	}
	return n
}

// Planner turns drift rows into a sell pass followed by a buy pass
type Planner struct {
	prices  domain.PriceProvider
	account domain.AccountProvider
	orders  domain.OrderExecutor
	cfg     PlannerConfig
	sleep   func(ctx context.Context, d time.Duration) error
	log     zerolog.Logger
}

// NewPlanner creates a rebalance planner
func NewPlanner(
	prices domain.PriceProvider,
	account domain.AccountProvider,
	orders domain.OrderExecutor,
	cfg PlannerConfig,
	log zerolog.Logger,
) *Planner {
	if !cfg.SlippageDivisor.IsPositive() {
		cfg.SlippageDivisor = decimal.NewFromInt(10000)
	}
	return &Planner{
		prices:  prices,
		account: account,
		orders:  orders,
		cfg:     cfg,
		sleep:   sleepContext,
		log:     log.With().Str("service", "rebalance_planner").Logger(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Planner) slippage() decimal.Decimal {
	return p.cfg.AcceptableSlippage.Div(p.cfg.SlippageDivisor)
}

// SellPrice is last * (1 - slippage)
func (p *Planner) SellPrice(last decimal.Decimal) decimal.Decimal {
	return last.Mul(decimal.NewFromInt(1).Sub(p.slippage()))
}

// BuyPrice is last * (1 + slippage)
func (p *Planner) BuyPrice(last decimal.Decimal) decimal.Decimal {
	return last.Mul(decimal.NewFromInt(1).Add(p.slippage()))
}

// Rebalance runs the sell pass, waits for fills, refreshes cash and runs the
// buy pass. Rows are processed in their given order. A failing instrument is
// skipped; only a failed cash refresh or a cancelled ctx ends the plan early.
func (p *Planner) Rebalance(ctx context.Context, rows []domain.DriftRow, assets map[string]*domain.Asset) (*PlanReport, error) {
	report := &PlanReport{}

	for _, row := range rows {
		if row.IsQuoteAsset || !row.AbsoluteDrift.IsNegative() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		p.sell(ctx, row, assetFor(assets, row.Symbol), report)
	}

	if len(report.Sells) > 0 && !p.cfg.Backtesting && p.cfg.FillSleep > 0 {
		p.log.Info().Dur("sleep", p.cfg.FillSleep).Msg("Waiting for sell orders to fill")
		if err := p.sleep(ctx, p.cfg.FillSleep); err != nil {
			return report, err
		}
	}

	cash, err := p.account.GetCash(ctx, p.cfg.QuoteAsset)
	if err != nil {
		p.log.Error().Err(err).Str("currency", p.cfg.QuoteAsset).Msg("Failed to refresh cash, skipping buys")
		return report, err
	}
	if cash.IsNegative() {
		cash = decimal.Zero
	}
	report.StartingCash = cash

	for _, row := range rows {
		if row.IsQuoteAsset || !row.AbsoluteDrift.IsPositive() {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.RemainingCash = cash
			return report, err
		}
		cash = p.buy(ctx, row, assetFor(assets, row.Symbol), cash, report)
	}

	report.RemainingCash = cash
	return report, nil
}

func (p *Planner) sell(ctx context.Context, row domain.DriftRow, asset *domain.Asset, report *PlanReport) {
	last, err := p.prices.GetLastPrice(ctx, asset)
	if err != nil || !last.IsPositive() {
		p.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("No price, skipping sell")
		report.Skipped = append(report.Skipped, SkippedRow{Symbol: row.Symbol, Side: domain.OrderSideSell, Reason: "no price"})
		return
	}
	limit := p.SellPrice(last)

	// Never more than is held at the instrument's precision
	quantity := row.CurrentQuantity.Truncate(asset.Limits.AmountPrecision)
	if !row.IsFullExit() {
		quantity = row.CurrentValue.Sub(row.TargetValue).Div(limit.Mul(asset.ContractSize())).Truncate(0)
		// The discounted limit price can size past the holding
		if quantity.GreaterThan(row.CurrentQuantity) {
			quantity = row.CurrentQuantity.Truncate(0)
		}
	}
	if !quantity.IsPositive() {
		p.log.Info().Str("symbol", row.Symbol).Stringer("drift", row.AbsoluteDrift).Msg("Sell quantity rounds to zero, skipping")
		report.Skipped = append(report.Skipped, SkippedRow{Symbol: row.Symbol, Side: domain.OrderSideSell, Reason: "quantity rounds to zero"})
		return
	}

	order := p.orders.Submit(ctx, domain.NewLimitOrder(asset, domain.OrderSideSell, quantity, limit))
	report.Sells = append(report.Sells, order)
	p.log.Info().
		Str("symbol", row.Symbol).
		Stringer("quantity", quantity).
		Stringer("limit_price", limit).
		Bool("full_exit", row.IsFullExit()).
		Str("status", string(order.Status)).
		Msg("Sell order")
}

// buy returns the cash estimate left after the order
func (p *Planner) buy(ctx context.Context, row domain.DriftRow, asset *domain.Asset, cash decimal.Decimal, report *PlanReport) decimal.Decimal {
	last, err := p.prices.GetLastPrice(ctx, asset)
	if err != nil || !last.IsPositive() {
		p.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("No price, skipping buy")
		report.Skipped = append(report.Skipped, SkippedRow{Symbol: row.Symbol, Side: domain.OrderSideBuy, Reason: "no price"})
		return cash
	}
	limit := p.BuyPrice(last)

	orderValue := decimal.Min(row.TargetValue.Sub(row.CurrentValue), cash)
	quantity := orderValue.Div(limit.Mul(asset.ContractSize())).Floor()
	if !quantity.IsPositive() {
		p.log.Info().
			Str("symbol", row.Symbol).
			Stringer("cash", cash).
			Stringer("limit_price", limit).
			Msg("Ran out of cash, skipping buy")
		report.Skipped = append(report.Skipped, SkippedRow{Symbol: row.Symbol, Side: domain.OrderSideBuy, Reason: "insufficient cash"})
		return cash
	}

	order := p.orders.Submit(ctx, domain.NewLimitOrder(asset, domain.OrderSideBuy, quantity, limit))
	report.Buys = append(report.Buys, order)
	p.log.Info().
		Str("symbol", row.Symbol).
		Stringer("quantity", quantity).
		Stringer("limit_price", limit).
		Str("status", string(order.Status)).
		Msg("Buy order")

	if order.Status == domain.OrderStatusRejected || order.Status == domain.OrderStatusError {
		return cash
	}
	cash = cash.Sub(orderValue)

	if p.cfg.ReconcileBuyCash {
		fresh, err := p.account.GetCash(ctx, p.cfg.QuoteAsset)
		if err != nil {
			p.log.Warn().Err(err).Msg("Cash reconciliation failed, keeping estimate")
		} else if fresh.LessThan(cash) {
			cash = decimal.Max(fresh, decimal.Zero)
		}
	}
	return cash
}

func assetFor(assets map[string]*domain.Asset, symbol string) *domain.Asset {
	if asset, ok := assets[symbol]; ok {
		return asset
	}
	asset := domain.NewAsset(symbol)
	if assets != nil {
		assets[symbol] = asset
	}
	return asset
}

// Package rebalancing keeps a portfolio at its target weights.
package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

// ErrCycleRunning is returned when a cycle is requested while one is in progress
var ErrCycleRunning = errors.New("rebalancing cycle already running")

// CycleReport is the outcome of one rebalancing cycle
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Rows       []domain.DriftRow
	MaxDrift   decimal.Decimal
	Threshold  decimal.Decimal
	Triggered  bool
	Plan       *PlanReport
}

// Service runs drift rebalancing cycles for one strategy
type Service struct {
	strategy *config.Strategy
	assets   map[string]*domain.Asset
	prices   domain.PriceProvider
	account  domain.AccountProvider
	orders   domain.OrderExecutor
	planner  *Planner
	runs     *RunRepository
	now      func() time.Time
	running  sync.Mutex
	log      zerolog.Logger
}

// NewService creates a rebalancing service. runs may be nil.
func NewService(
	strategy *config.Strategy,
	prices domain.PriceProvider,
	account domain.AccountProvider,
	orders domain.OrderExecutor,
	runs *RunRepository,
	log zerolog.Logger,
) *Service {
	return &Service{
		strategy: strategy,
		assets:   strategy.Assets(),
		prices:   prices,
		account:  account,
		orders:   orders,
		planner:  NewPlanner(prices, account, orders, PlannerConfigFromStrategy(strategy), log),
		runs:     runs,
		now:      time.Now,
		log:      log.With().Str("service", "rebalancing").Logger(),
	}
}

// CalculateDrift reads positions and cash and returns the drift table
// without trading
func (s *Service) CalculateDrift(ctx context.Context) ([]domain.DriftRow, error) {
	if !s.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer s.running.Unlock()
	return s.calculateDrift(ctx)
}

func (s *Service) calculateDrift(ctx context.Context) ([]domain.DriftRow, error) {
	positions, err := s.account.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	cash, err := s.account.GetCash(ctx, s.strategy.QuoteAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to get cash: %w", err)
	}

	calc := NewDriftCalculator(s.strategy.TargetWeights())
	for _, pos := range positions {
		if pos.IsQuoteAsset || pos.Symbol == s.strategy.QuoteAsset {
			continue
		}
		asset := s.mergeAsset(pos)
		calc.AddPosition(pos.Symbol, pos.Quantity, s.value(ctx, asset, pos), false)
	}
	// The quote asset is valued at its quantity
	calc.AddPosition(s.strategy.QuoteAsset, cash, cash, true)

	return calc.Calculate(), nil
}

// value prices a position at the last trade, falling back to the broker's market value
func (s *Service) value(ctx context.Context, asset *domain.Asset, pos domain.Position) decimal.Decimal {
	last, err := s.prices.GetLastPrice(ctx, asset)
	if err != nil || !last.IsPositive() {
		s.log.Warn().Err(err).Str("symbol", pos.Symbol).Stringer("market_value", pos.MarketValue).
			Msg("No last price, valuing position at market value")
		return pos.MarketValue
	}
	return pos.Quantity.Mul(last).Mul(asset.ContractSize())
}

// mergeAsset prefers the configured asset and keeps the broker's contract id
func (s *Service) mergeAsset(pos domain.Position) *domain.Asset {
	asset, ok := s.assets[pos.Symbol]
	if !ok {
		asset = pos.Asset
		if asset == nil {
			asset = domain.NewAsset(pos.Symbol)
		}
		asset.Limits = s.strategy.LimitsFor(pos.Symbol)
		s.assets[pos.Symbol] = asset
	}
	if asset.ContractID == nil && pos.Asset != nil && pos.Asset.ContractID != nil {
		asset.SetContractID(*pos.Asset.ContractID)
	}
	return asset
}

// RunCycle cancels working orders, computes drift and rebalances when any
// asset drifted beyond the threshold. Every cycle is recorded.
func (s *Service) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !s.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer s.running.Unlock()

	report := &CycleReport{StartedAt: s.now(), Threshold: s.strategy.AbsoluteDriftThreshold}
	err := s.runCycle(ctx, report)
	report.FinishedAt = s.now()
	s.record(report, err)
	return report, err
}

func (s *Service) runCycle(ctx context.Context, report *CycleReport) error {
	if err := s.orders.CancelOpenOrders(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("Not every open order was canceled")
	}

	rows, err := s.calculateDrift(ctx)
	if err != nil {
		return err
	}
	report.Rows = rows
	report.MaxDrift = MaxDrift(rows)
	report.Triggered = ExceedsThreshold(rows, s.strategy.AbsoluteDriftThreshold)

	for _, row := range rows {
		s.log.Debug().
			Str("symbol", row.Symbol).
			Stringer("current_weight", row.CurrentWeight.Round(4)).
			Stringer("target_weight", row.TargetWeight).
			Stringer("drift", row.AbsoluteDrift.Round(4)).
			Msg("Drift")
	}

	if !report.Triggered {
		s.log.Info().
			Stringer("max_drift", report.MaxDrift.Round(4)).
			Stringer("threshold", s.strategy.AbsoluteDriftThreshold).
			Msg("Drift within threshold, no rebalance needed")
		return nil
	}

	s.log.Info().
		Stringer("max_drift", report.MaxDrift.Round(4)).
		Stringer("threshold", s.strategy.AbsoluteDriftThreshold).
		Msg("Drift exceeds threshold, rebalancing")

	plan, err := s.planner.Rebalance(ctx, rows, s.assets)
	report.Plan = plan
	return err
}

func (s *Service) record(report *CycleReport, cycleErr error) {
	run := Run{
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Triggered:  report.Triggered,
		MaxDrift:   report.MaxDrift,
	}
	if report.Plan != nil {
		run.OrdersSubmitted = report.Plan.Submitted()
		run.OrdersRejected = report.Plan.Rejected()
	}
	if cycleErr != nil {
		run.Error = cycleErr.Error()
		s.log.Error().Err(cycleErr).Msg("Rebalancing cycle failed")
	}

	if s.runs == nil {
		return
	}
	if _, err := s.runs.Record(run); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record rebalancing cycle")
	}
}

// RecentRuns returns the latest recorded cycles
func (s *Service) RecentRuns(limit int) ([]Run, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListRecent(limit)
}

// CycleJob runs a rebalancing cycle on the scheduler
type CycleJob struct {
	service *Service
	timeout time.Duration
}

// NewCycleJob creates a scheduled cycle with an overall deadline (0 = none)
func NewCycleJob(service *Service, timeout time.Duration) *CycleJob {
	return &CycleJob{service: service, timeout: timeout}
}

// Run executes one cycle
func (j *CycleJob) Run() error {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	_, err := j.service.RunCycle(ctx)
	return err
}

// Name returns the job name for scheduling and logging
func (j *CycleJob) Name() string {
	return "rebalance_cycle"
}

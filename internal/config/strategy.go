package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// Strategy holds the drift rebalancer parameters.
//
// Example file:
//
//	market = "NYSE"
//	quote_asset = "USD"
//	absolute_drift_threshold = "0.20"
//	acceptable_slippage = "0.0005"
//	fill_sleeptime = 15
//
//	[[targets]]
//	symbol = "SPY"
//	weight = "0.60"
//
//	[[targets]]
//	symbol = "TLT"
//	weight = "0.40"
//
//	[limits.SPY]
//	amount_precision = 0
//	price_precision = 2
//	min_amount = "1"
type Strategy struct {
	Market                 string          `toml:"market"`
	QuoteAsset             string          `toml:"quote_asset"`
	AbsoluteDriftThreshold decimal.Decimal `toml:"absolute_drift_threshold"`
	AcceptableSlippage     decimal.Decimal `toml:"acceptable_slippage"`
	// The limit price multiplier is 1 +/- acceptable_slippage/slippage_divisor.
	// 10000 reads acceptable_slippage in basis points; 1 reads it as a plain fraction.
	SlippageDivisor   decimal.Decimal `toml:"slippage_divisor"`
	FillSleepSeconds  int             `toml:"fill_sleeptime"`
	Backtesting       bool            `toml:"backtesting"`
	ReconcileBuyCash  bool            `toml:"reconcile_buy_cash"`
	OrderHorizonHours int             `toml:"order_horizon_hours"`

	Targets []TargetConfig          `toml:"targets"`
	Limits  map[string]LimitsConfig `toml:"limits"`
}

// TargetConfig is one [[targets]] entry; file order is the processing order
type TargetConfig struct {
	Symbol     string          `toml:"symbol"`
	Weight     decimal.Decimal `toml:"weight"`
	AssetClass string          `toml:"asset_class"`
	Expiration string          `toml:"expiration"` // YYYY-MM-DD, options only
	Strike     decimal.Decimal `toml:"strike"`
	Right      string          `toml:"right"`
	Multiplier int             `toml:"multiplier"`
}

// LimitsConfig overrides the exchange limits of a symbol
type LimitsConfig struct {
	AmountPrecision *int32           `toml:"amount_precision"`
	PricePrecision  *int32           `toml:"price_precision"`
	MinAmount       *decimal.Decimal `toml:"min_amount"`
	MaxAmount       *decimal.Decimal `toml:"max_amount"`
	MinPrice        *decimal.Decimal `toml:"min_price"`
	MaxPrice        *decimal.Decimal `toml:"max_price"`
	MinCost         *decimal.Decimal `toml:"min_cost"`
	MaxCost         *decimal.Decimal `toml:"max_cost"`
}

// DefaultStrategy returns the parameters used when a key is absent from the file
func DefaultStrategy() Strategy {
	return Strategy{
		Market:                 "NYSE",
		QuoteAsset:             "USD",
		AbsoluteDriftThreshold: decimal.RequireFromString("0.20"),
		AcceptableSlippage:     decimal.RequireFromString("0.0005"),
		SlippageDivisor:        decimal.NewFromInt(10000),
		FillSleepSeconds:       15,
		OrderHorizonHours:      72,
		Limits:                 map[string]LimitsConfig{},
	}
}

// LoadStrategy decodes a TOML strategy file on top of the defaults
func LoadStrategy(path string) (*Strategy, error) {
	s := DefaultStrategy()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("failed to decode strategy file %s: %w", path, err)
	}
	return &s, nil
}

// ParseStrategy decodes TOML text on top of the defaults
func ParseStrategy(data string) (*Strategy, error) {
	s := DefaultStrategy()
	if _, err := toml.Decode(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode strategy: %w", err)
	}
	return &s, nil
}

// Validate applies the strategy sanity checks. Weights that can never
// trigger a rebalance only produce a warning.
func (s *Strategy) Validate(log zerolog.Logger) error {
	if len(s.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if s.AcceptableSlippage.GreaterThanOrEqual(s.AbsoluteDriftThreshold) {
		return fmt.Errorf("acceptable_slippage must be less than absolute_drift_threshold")
	}
	if s.AbsoluteDriftThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("absolute_drift_threshold must be less than 1.0")
	}
	if !s.SlippageDivisor.IsPositive() {
		return fmt.Errorf("slippage_divisor must be positive")
	}
	if s.FillSleepSeconds < 0 {
		return fmt.Errorf("fill_sleeptime must be >= 0")
	}
	if strings.TrimSpace(s.QuoteAsset) == "" {
		return fmt.Errorf("quote_asset must not be empty")
	}

	seen := make(map[string]bool, len(s.Targets))
	for _, t := range s.Targets {
		if t.Symbol == "" {
			return fmt.Errorf("target with empty symbol")
		}
		if seen[t.Symbol] {
			return fmt.Errorf("duplicate target %s", t.Symbol)
		}
		seen[t.Symbol] = true

		if t.Weight.IsNegative() {
			return fmt.Errorf("target weight for %s must not be negative", t.Symbol)
		}
		if domain.ParseAssetClass(t.AssetClass) == domain.AssetClassOption {
			if _, err := time.Parse("2006-01-02", t.Expiration); err != nil {
				return fmt.Errorf("option target %s needs an expiration (YYYY-MM-DD): %w", t.Symbol, err)
			}
			if r := strings.ToUpper(t.Right); r != "C" && r != "P" {
				return fmt.Errorf("option target %s needs right C or P", t.Symbol)
			}
		}
		if s.AbsoluteDriftThreshold.GreaterThanOrEqual(t.Weight) {
			log.Warn().
				Str("symbol", t.Symbol).
				Str("threshold", s.AbsoluteDriftThreshold.String()).
				Str("target_weight", t.Weight.String()).
				Msg("absolute_drift_threshold >= target weight, drift in this asset will never trigger a rebalance")
		}
	}
	return nil
}

// FillSleep is the settlement pause between the sell and buy passes
func (s *Strategy) FillSleep() time.Duration {
	return time.Duration(s.FillSleepSeconds) * time.Second
}

// OrderHorizon is how long terminal orders are kept in the journal
func (s *Strategy) OrderHorizon() time.Duration {
	return time.Duration(s.OrderHorizonHours) * time.Hour
}

// TargetWeights returns the weights in file order
func (s *Strategy) TargetWeights() []domain.TargetWeight {
	weights := make([]domain.TargetWeight, 0, len(s.Targets))
	for _, t := range s.Targets {
		weights = append(weights, domain.TargetWeight{Symbol: t.Symbol, Weight: t.Weight})
	}
	return weights
}

// Assets builds the tradeable assets for every target, keyed by symbol
func (s *Strategy) Assets() map[string]*domain.Asset {
	assets := make(map[string]*domain.Asset, len(s.Targets))
	for _, t := range s.Targets {
		asset := domain.NewAsset(t.Symbol)
		asset.Class = domain.ParseAssetClass(t.AssetClass)
		if t.Multiplier > 0 {
			asset.Multiplier = t.Multiplier
		}
		if asset.Class == domain.AssetClassOption {
			asset.Expiration, _ = time.Parse("2006-01-02", t.Expiration)
			asset.Strike = t.Strike
			asset.Right = domain.OptionRight(strings.ToUpper(t.Right))
			if t.Multiplier == 0 {
				asset.Multiplier = 100
			}
		}
		asset.Limits = s.LimitsFor(t.Symbol)
		assets[t.Symbol] = asset
	}
	return assets
}

// LimitsFor merges the configured overrides of a symbol onto the defaults
func (s *Strategy) LimitsFor(symbol string) domain.ExchangeLimits {
	limits := domain.DefaultLimits()
	lc, ok := s.Limits[symbol]
	if !ok {
		return limits
	}
	if lc.AmountPrecision != nil {
		limits.AmountPrecision = *lc.AmountPrecision
	}
	if lc.PricePrecision != nil {
		limits.PricePrecision = *lc.PricePrecision
	}
	limits.MinAmount = lc.MinAmount
	limits.MaxAmount = lc.MaxAmount
	limits.MinPrice = lc.MinPrice
	limits.MaxPrice = lc.MaxPrice
	limits.MinCost = lc.MinCost
	limits.MaxCost = lc.MaxCost
	return limits
}

// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass represents the kind of instrument an asset is
type AssetClass string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassOption AssetClass = "option"
	AssetClassFuture AssetClass = "future"
	AssetClassForex  AssetClass = "forex"
)

// ParseAssetClass maps a configuration or broker string to an AssetClass.
// Unknown or empty values default to equity.
func ParseAssetClass(s string) AssetClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto":
		return AssetClassCrypto
	case "option", "opt":
		return AssetClassOption
	case "future", "fut":
		return AssetClassFuture
	case "forex", "cash", "fx":
		return AssetClassForex
	default:
		return AssetClassEquity
	}
}

// OptionRight is the right of an option contract
type OptionRight string

const (
	OptionRightCall OptionRight = "C"
	OptionRightPut  OptionRight = "P"
)

// Asset identifies a tradeable instrument.
// ContractID stays nil until the broker has resolved it.
type Asset struct {
	Symbol     string
	Class      AssetClass
	Expiration time.Time       // options only
	Strike     decimal.Decimal // options only
	Right      OptionRight     // options only
	Multiplier int
	Limits     ExchangeLimits
	ContractID *int64
}

// NewAsset creates an equity asset with default precision
func NewAsset(symbol string) *Asset {
	return &Asset{
		Symbol:     symbol,
		Class:      AssetClassEquity,
		Multiplier: 1,
		Limits:     DefaultLimits(),
	}
}

// ContractSize is the number of underlying units one contract controls
func (a *Asset) ContractSize() decimal.Decimal {
	if a.Multiplier <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(a.Multiplier))
}

// SetContractID caches the resolved broker contract identifier
func (a *Asset) SetContractID(id int64) {
	a.ContractID = &id
}

// CacheKey is the key used to persist the resolved contract identifier
func (a *Asset) CacheKey() string {
	if a.Class != AssetClassOption {
		return fmt.Sprintf("%s:%s", a.Class, a.Symbol)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", a.Class, a.Symbol, a.Expiration.Format("20060102"), a.Strike.String(), a.Right)
}

func (a *Asset) String() string {
	if a.Class == AssetClassOption {
		return fmt.Sprintf("%s %s %s%s", a.Symbol, a.Expiration.Format("2006-01-02"), a.Strike.String(), a.Right)
	}
	return a.Symbol
}

// Position represents a holding at the broker.
// Quote asset positions represent cash and are never traded.
type Position struct {
	Symbol       string
	Asset        *Asset
	Quantity     decimal.Decimal
	MarketValue  decimal.Decimal
	IsQuoteAsset bool
}

// Quote is a market snapshot for an asset.
// Bid and Ask are nil when the gateway reports them as unavailable.
type Quote struct {
	Symbol  string
	Price   decimal.Decimal
	Bid     *decimal.Decimal
	Ask     *decimal.Decimal
	BidSize *decimal.Decimal
	AskSize *decimal.Decimal
	IsLive  bool
}

// Greeks holds option sensitivities from a market snapshot
type Greeks struct {
	ImpliedVolatility *decimal.Decimal
	Delta             *decimal.Decimal
	Gamma             *decimal.Decimal
	Theta             *decimal.Decimal
	Vega              *decimal.Decimal
}

// Bar is a single OHLCV candle
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Balance is the cash ledger for one currency
type Balance struct {
	Currency       string
	Cash           decimal.Decimal
	NetLiquidation decimal.Decimal
}

// DriftRow is the outcome of comparing one asset's current weight with its target.
// AbsoluteDrift is exactly -1 for a full exit, exactly +1 for a new entry,
// exactly 0 for the quote asset and target-current otherwise.
type DriftRow struct {
	Symbol          string
	IsQuoteAsset    bool
	CurrentQuantity decimal.Decimal
	CurrentValue    decimal.Decimal
	CurrentWeight   decimal.Decimal
	TargetWeight    decimal.Decimal
	TargetValue     decimal.Decimal
	AbsoluteDrift   decimal.Decimal
}

// IsFullExit reports whether the row demands liquidation of the whole position
func (r DriftRow) IsFullExit() bool {
	return r.AbsoluteDrift.Equal(decimal.NewFromInt(-1))
}

// TargetWeight is the desired fraction of total portfolio value for one symbol.
// Weights need not sum to 1; the residual is held as the quote asset.
type TargetWeight struct {
	Symbol string
	Weight decimal.Decimal
}

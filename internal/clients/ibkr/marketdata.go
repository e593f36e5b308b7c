package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // bars are reported in exchange time

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// Snapshot field names
const (
	FieldBid               = "bid"
	FieldAskSize           = "ask_size"
	FieldAsk               = "ask"
	FieldBidSize           = "bid_size"
	FieldLastPrice         = "last_price"
	FieldImpliedVolatility = "implied_volatility"
	FieldVega              = "vega"
	FieldTheta             = "theta"
	FieldDelta             = "delta"
	FieldGamma             = "gamma"
)

// snapshotFields maps gateway field ids to names, in request order
var snapshotFields = []struct {
	id   string
	name string
}{
	{"84", FieldBid},
	{"85", FieldAskSize},
	{"86", FieldAsk},
	{"88", FieldBidSize},
	{"31", FieldLastPrice},
	{"7283", FieldImpliedVolatility},
	{"7311", FieldVega},
	{"7310", FieldTheta},
	{"7308", FieldDelta},
	{"7309", FieldGamma},
}

const (
	maxSnapshotAttempts = 500
	snapshotBurst       = 3 // attempts made back to back before sleeping
	snapshotDelay       = 5 * time.Second
	historyTimeLayout   = "20060102-15:04:05"
)

// ContractStore persists resolved contract identifiers between runs
type ContractStore interface {
	Lookup(key string) (int64, bool, error)
	Save(key string, contractID int64) error
}

// HistoryOptions tunes a historical bars request
type HistoryOptions struct {
	Timeshift         time.Duration // bars end this far in the past
	Exchange          string
	IncludeAfterHours bool
}

// MarketDataClient resolves contracts and reads quotes, snapshots and bars
type MarketDataClient struct {
	session   *Session
	contracts ContractStore
	log       zerolog.Logger
	location  *time.Location

	maxSnapshotAttempts int
}

// NewMarketDataClient creates a market data client. contracts may be nil.
func NewMarketDataClient(session *Session, contracts ContractStore, log zerolog.Logger) *MarketDataClient {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &MarketDataClient{
		session:             session,
		contracts:           contracts,
		log:                 log.With().Str("client", "ibkr-marketdata").Logger(),
		location:            loc,
		maxSnapshotAttempts: maxSnapshotAttempts,
	}
}

// ResolveContract returns the broker contract id of an asset. The result is
// cached on the asset and, when a store is configured, persisted.
// Options need an exact maturity date match; futures are not supported.
func (c *MarketDataClient) ResolveContract(ctx context.Context, asset *domain.Asset) (int64, error) {
	if asset.ContractID != nil {
		return *asset.ContractID, nil
	}

	key := asset.CacheKey()
	if c.contracts != nil {
		id, ok, err := c.contracts.Lookup(key)
		if err != nil {
			c.log.Warn().Err(err).Str("asset", asset.String()).Msg("Contract cache lookup failed")
		} else if ok {
			asset.SetContractID(id)
			return id, nil
		}
	}

	if asset.Class == domain.AssetClassFuture {
		c.log.Error().Str("asset", asset.String()).Msg("Futures contracts are not supported")
		return 0, fmt.Errorf("%s: %w", asset, domain.ErrContractNotFound)
	}

	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return 0, err
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodGet,
		Path:        "/iserver/secdef/search",
		Query:       url.Values{"symbol": {asset.Symbol}},
		Description: "Getting Underlying conid",
	}, CategoryIServer, false)
	if err != nil {
		return 0, fmt.Errorf("contract search for %s failed: %w", asset.Symbol, err)
	}

	var results []map[string]interface{}
	if err := decode(raw, &results); err != nil || len(results) == 0 {
		c.log.Error().Str("asset", asset.String()).Str("response", truncate(string(raw))).Msg("Failed to get conid of asset")
		return 0, fmt.Errorf("%s: %w", asset, domain.ErrContractNotFound)
	}
	conid, ok := toInt64(results[0]["conid"])
	if !ok {
		c.log.Error().Str("asset", asset.String()).Str("response", truncate(string(raw))).Msg("Failed to get conid of asset")
		return 0, fmt.Errorf("%s: %w", asset, domain.ErrContractNotFound)
	}

	if asset.Class == domain.AssetClassOption {
		conid, err = c.resolveOption(ctx, asset, conid)
		if err != nil {
			return 0, err
		}
	}

	asset.SetContractID(conid)
	if c.contracts != nil {
		if err := c.contracts.Save(key, conid); err != nil {
			c.log.Warn().Err(err).Str("asset", asset.String()).Msg("Failed to cache contract id")
		}
	}
	return conid, nil
}

func (c *MarketDataClient) resolveOption(ctx context.Context, asset *domain.Asset, underlying int64) (int64, error) {
	maturity := asset.Expiration.Format("20060102")

	raw, err := c.session.Execute(ctx, Request{
		Method: http.MethodGet,
		Path:   "/iserver/secdef/info",
		Query: url.Values{
			"conid":   {strconv.FormatInt(underlying, 10)},
			"sectype": {"OPT"},
			"month":   {strings.ToUpper(asset.Expiration.Format("Jan06"))},
			"right":   {string(asset.Right)},
			"strike":  {asset.Strike.String()},
		},
		Description: "Getting expiration Date",
	}, CategoryIServer, false)
	if err != nil {
		return 0, fmt.Errorf("option lookup for %s failed: %w", asset, err)
	}

	var contracts []map[string]interface{}
	if err := decode(raw, &contracts); err != nil {
		return 0, fmt.Errorf("unexpected option lookup response for %s: %w", asset, domain.ErrContractNotFound)
	}
	for _, contract := range contracts {
		if toString(contract["maturityDate"]) != maturity {
			continue
		}
		if id, ok := toInt64(contract["conid"]); ok {
			return id, nil
		}
	}

	c.log.Debug().
		Str("symbol", asset.Symbol).
		Str("maturity", maturity).
		Str("strike", asset.Strike.String()).
		Msg("No matching option contract found")
	return 0, fmt.Errorf("%s: %w", asset, domain.ErrContractNotFound)
}

// GetSnapshot returns the requested snapshot fields of an asset keyed by
// field name. The gateway fills snapshots lazily, so the request is repeated
// while a requested field is missing: three times back to back, then every
// five seconds, up to 500 attempts.
func (c *MarketDataClient) GetSnapshot(ctx context.Context, asset *domain.Asset, fields []string) (map[string]interface{}, error) {
	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}

	conid, err := c.ResolveContract(ctx, asset)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[f] = true
	}
	var ids []string
	names := make(map[string]string)
	for _, f := range snapshotFields {
		if wanted[f.name] {
			ids = append(ids, f.id)
			names[f.id] = f.name
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no known snapshot fields in %v", fields)
	}

	req := Request{
		Method: http.MethodGet,
		Path:   "/iserver/marketdata/snapshot",
		Query: url.Values{
			"conids": {strconv.FormatInt(conid, 10)},
			"fields": {strings.Join(ids, ",")},
		},
		Description: "Getting Market Snapshot",
	}

	var row map[string]interface{}
	for attempt := 0; attempt < c.maxSnapshotAttempts; attempt++ {
		if attempt >= snapshotBurst {
			if err := c.session.sleep(ctx, snapshotDelay); err != nil {
				return nil, err
			}
		}

		raw, err := c.session.Execute(ctx, req, CategoryIServer, false)
		if err != nil {
			return nil, fmt.Errorf("snapshot for %s failed: %w", asset, err)
		}

		var rows []map[string]interface{}
		if err := decode(raw, &rows); err != nil {
			return nil, fmt.Errorf("unexpected snapshot response for %s: %w", asset, err)
		}
		if len(rows) > 0 {
			row = rows[0]
			if !missingAny(row, ids) {
				break
			}
		}
	}

	out := make(map[string]interface{}, len(ids))
	for id, name := range names {
		if v, ok := row[id]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func missingAny(row map[string]interface{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := row[id]; !ok {
			return true
		}
	}
	return false
}

// GetLastPrice returns the last traded price, or the previous close when the
// instrument is not trading
func (c *MarketDataClient) GetLastPrice(ctx context.Context, asset *domain.Asset) (decimal.Decimal, error) {
	snapshot, err := c.GetSnapshot(ctx, asset, []string{FieldLastPrice})
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := toDecimal(snapshot[FieldLastPrice])
	if !ok {
		c.log.Error().Str("asset", asset.String()).Msg("Failed to get last_price")
		return decimal.Zero, fmt.Errorf("%s: %w", asset, domain.ErrNoPrice)
	}
	return price, nil
}

// GetQuote returns price, bid and ask. A price prefixed with "C" is the
// previous close and marks the quote as not live; a bid or ask of -1 means
// the side is unavailable.
func (c *MarketDataClient) GetQuote(ctx context.Context, asset *domain.Asset) (*domain.Quote, error) {
	snapshot, err := c.GetSnapshot(ctx, asset, []string{FieldLastPrice, FieldBid, FieldAsk, FieldBidSize, FieldAskSize})
	if err != nil {
		return nil, err
	}

	rawPrice, ok := snapshot[FieldLastPrice]
	if !ok {
		return nil, fmt.Errorf("%s: %w", asset, domain.ErrNoPrice)
	}
	price, ok := toDecimal(rawPrice)
	if !ok {
		return nil, fmt.Errorf("%s: unparseable price %v: %w", asset, rawPrice, domain.ErrNoPrice)
	}

	quote := &domain.Quote{Symbol: asset.Symbol, Price: price, IsLive: true}
	if s, isString := rawPrice.(string); isString && strings.HasPrefix(s, "C") {
		quote.IsLive = false
		c.log.Warn().Str("asset", asset.String()).Msg("Instrument is not trading currently, got the last close price instead")
	}

	quote.Bid = optionalPrice(snapshot[FieldBid])
	quote.Ask = optionalPrice(snapshot[FieldAsk])
	quote.BidSize = optionalDecimal(snapshot[FieldBidSize])
	quote.AskSize = optionalDecimal(snapshot[FieldAskSize])
	return quote, nil
}

var minusOne = decimal.NewFromInt(-1)

func optionalPrice(v interface{}) *decimal.Decimal {
	d := optionalDecimal(v)
	if d == nil || d.Equal(minusOne) {
		return nil
	}
	return d
}

func optionalDecimal(v interface{}) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	return &d
}

// GetGreeks returns the option sensitivities of an asset
func (c *MarketDataClient) GetGreeks(ctx context.Context, asset *domain.Asset) (*domain.Greeks, error) {
	snapshot, err := c.GetSnapshot(ctx, asset, []string{FieldImpliedVolatility, FieldVega, FieldTheta, FieldGamma, FieldDelta})
	if err != nil {
		return nil, err
	}
	return &domain.Greeks{
		ImpliedVolatility: optionalDecimal(snapshot[FieldImpliedVolatility]),
		Delta:             optionalDecimal(snapshot[FieldDelta]),
		Gamma:             optionalDecimal(snapshot[FieldGamma]),
		Theta:             optionalDecimal(snapshot[FieldTheta]),
		Vega:              optionalDecimal(snapshot[FieldVega]),
	}, nil
}

// barSpec converts a length and a timestep such as "minute" or "15 minutes"
// into the gateway's period and bar strings. ok is false for unsupported timesteps.
func barSpec(length int, timestep string) (period, bar string, ok bool) {
	n := 1
	if parts := strings.Fields(timestep); len(parts) > 0 {
		if v, err := strconv.Atoi(parts[0]); err == nil {
			n = v
		}
	}

	var unit string
	switch {
	case strings.Contains(timestep, "minute"):
		unit = "mins"
	case strings.Contains(timestep, "hour"):
		unit = "h"
	case strings.Contains(timestep, "day"):
		unit = "d"
	case strings.Contains(timestep, "week"):
		unit = "w"
	case strings.Contains(timestep, "month"):
		unit = "m"
	case strings.Contains(timestep, "year"):
		unit = "y"
	default:
		return "", "", false
	}
	return fmt.Sprintf("%d%s", length*n, unit), fmt.Sprintf("%d%s", n, unit), true
}

type historyResponse struct {
	Data []struct {
		T int64           `json:"t"`
		O decimal.Decimal `json:"o"`
		H decimal.Decimal `json:"h"`
		L decimal.Decimal `json:"l"`
		C decimal.Decimal `json:"c"`
		V decimal.Decimal `json:"v"`
	} `json:"data"`
}

// GetHistoricalBars returns up to length bars of the given timestep.
// Unsupported timesteps yield no bars and no error.
func (c *MarketDataClient) GetHistoricalBars(ctx context.Context, asset *domain.Asset, length int, timestep string, opts HistoryOptions) ([]domain.Bar, error) {
	period, bar, ok := barSpec(length, timestep)
	if !ok {
		c.log.Error().Str("timestep", timestep).Msg("Unsupported timestep")
		return nil, nil
	}

	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}
	conid, err := c.ResolveContract(ctx, asset)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"conid":      {strconv.FormatInt(conid, 10)},
		"period":     {period},
		"bar":        {bar},
		"outsideRth": {strconv.FormatBool(opts.IncludeAfterHours)},
		"startTime":  {c.session.now().Add(-opts.Timeshift).UTC().Format(historyTimeLayout)},
	}
	if opts.Exchange != "" {
		query.Set("exchange", opts.Exchange)
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodGet,
		Path:        "/iserver/marketdata/history",
		Query:       query,
		Description: "Getting Historical Prices",
	}, CategoryIServer, false)
	if err != nil {
		return nil, fmt.Errorf("historical prices for %s failed: %w", asset, err)
	}

	var resp historyResponse
	if err := decode(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected history response for %s: %w", asset, err)
	}
	if len(resp.Data) == 0 {
		c.log.Warn().Str("asset", asset.String()).Msg("No historical prices returned")
		return nil, nil
	}

	bars := make([]domain.Bar, 0, len(resp.Data))
	for _, d := range resp.Data {
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(d.T).In(c.location),
			Open:      d.O,
			High:      d.H,
			Low:       d.L,
			Close:     d.C,
			Volume:    d.V,
		})
	}
	return bars, nil
}

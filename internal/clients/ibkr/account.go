package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// AccountClient reads balances and positions of the session's account
type AccountClient struct {
	session *Session
	log     zerolog.Logger
}

// NewAccountClient creates an account client
func NewAccountClient(session *Session, log zerolog.Logger) *AccountClient {
	return &AccountClient{
		session: session,
		log:     log.With().Str("client", "ibkr-account").Logger(),
	}
}

// AccountID returns the account id, discovering it when needed
func (c *AccountClient) AccountID(ctx context.Context) (string, error) {
	return c.session.RequireAccountID(ctx)
}

// GetBalances returns the ledger keyed by upper-case currency. The gateway
// also reports a "BASE" entry aggregated in the account's base currency.
func (c *AccountClient) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	if err := c.session.EnsureAlive(ctx, CategoryPortfolio); err != nil {
		return nil, err
	}
	accountID, err := c.session.RequireAccountID(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodGet,
		Path:        fmt.Sprintf("/portfolio/%s/ledger", accountID),
		Description: "Getting account balances",
	}, CategoryPortfolio, true)
	if err != nil {
		c.log.Error().Err(err).Msg("Couldn't get account balances")
		return nil, err
	}

	var ledger map[string]map[string]interface{}
	if err := decode(raw, &ledger); err != nil {
		return nil, fmt.Errorf("unexpected ledger response: %w", err)
	}

	balances := make(map[string]domain.Balance, len(ledger))
	for currency, entry := range ledger {
		cash, _ := toDecimal(entry["cashbalance"])
		netLiq, _ := toDecimal(entry["netliquidationvalue"])
		key := strings.ToUpper(currency)
		balances[key] = domain.Balance{Currency: key, Cash: cash, NetLiquidation: netLiq}
	}
	return balances, nil
}

// GetCash forces a fresh ledger read and returns the cash balance of currency,
// falling back to the BASE entry when the currency has no ledger of its own
func (c *AccountClient) GetCash(ctx context.Context, currency string) (decimal.Decimal, error) {
	balances, err := c.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if b, ok := balances[strings.ToUpper(currency)]; ok {
		return b.Cash, nil
	}
	if b, ok := balances["BASE"]; ok {
		c.log.Debug().Str("currency", currency).Msg("No ledger for currency, using BASE")
		return b.Cash, nil
	}
	return decimal.Zero, fmt.Errorf("no %s balance in ledger", currency)
}

// GetPositions returns the non-zero positions of the account
func (c *AccountClient) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := c.session.EnsureAlive(ctx, CategoryPortfolio); err != nil {
		return nil, err
	}
	accountID, err := c.session.RequireAccountID(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodGet,
		Path:        fmt.Sprintf("/portfolio/%s/positions", accountID),
		Description: "Getting account positions",
	}, CategoryPortfolio, true)
	if err != nil {
		c.log.Error().Err(err).Msg("Couldn't get account positions")
		return nil, err
	}

	var rows []map[string]interface{}
	if err := decode(raw, &rows); err != nil {
		return nil, fmt.Errorf("unexpected positions response: %w", err)
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		quantity, ok := toDecimal(row["position"])
		if !ok || quantity.IsZero() {
			continue
		}

		symbol := toString(row["ticker"])
		if symbol == "" {
			symbol = toString(row["contractDesc"])
		}
		if symbol == "" {
			c.log.Warn().Interface("position", row).Msg("Skipping position without a symbol")
			continue
		}

		asset := domain.NewAsset(symbol)
		asset.Class = domain.ParseAssetClass(toString(row["assetClass"]))
		if conid, ok := toInt64(row["conid"]); ok {
			asset.SetContractID(conid)
		}
		marketValue, _ := toDecimal(row["mktValue"])

		positions = append(positions, domain.Position{
			Symbol:      symbol,
			Asset:       asset,
			Quantity:    quantity,
			MarketValue: marketValue,
		})
	}
	return positions, nil
}

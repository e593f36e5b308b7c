// Package handlers exposes quotes, option greeks and historical bars.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/clients/ibkr"
	"github.com/aristath/rebalancer/internal/domain"
)

// MarketData is the part of ibkr.MarketDataClient the handlers use
type MarketData interface {
	GetQuote(ctx context.Context, asset *domain.Asset) (*domain.Quote, error)
	GetGreeks(ctx context.Context, asset *domain.Asset) (*domain.Greeks, error)
	GetHistoricalBars(ctx context.Context, asset *domain.Asset, length int, timestep string, opts ibkr.HistoryOptions) ([]domain.Bar, error)
}

// Handler serves market data for configured and ad hoc symbols
type Handler struct {
	market MarketData
	assets map[string]*domain.Asset
	log    zerolog.Logger
}

// NewHandler creates a market data handler. Symbols found in assets keep
// their configured class and option terms; anything else is an equity.
func NewHandler(market MarketData, assets map[string]*domain.Asset, log zerolog.Logger) *Handler {
	return &Handler{
		market: market,
		assets: assets,
		log:    log.With().Str("handler", "marketdata").Logger(),
	}
}

// asset returns a private copy, contract resolution writes to it
func (h *Handler) asset(r *http.Request) *domain.Asset {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if configured, ok := h.assets[symbol]; ok {
		a := *configured
		return &a
	}
	return domain.NewAsset(symbol)
}

type quoteResponse struct {
	Symbol  string           `json:"symbol"`
	Price   decimal.Decimal  `json:"price"`
	Bid     *decimal.Decimal `json:"bid"`
	Ask     *decimal.Decimal `json:"ask"`
	BidSize *decimal.Decimal `json:"bid_size"`
	AskSize *decimal.Decimal `json:"ask_size"`
	IsLive  bool             `json:"is_live"`
}

type greeksResponse struct {
	ImpliedVolatility *decimal.Decimal `json:"implied_volatility"`
	Delta             *decimal.Decimal `json:"delta"`
	Gamma             *decimal.Decimal `json:"gamma"`
	Theta             *decimal.Decimal `json:"theta"`
	Vega              *decimal.Decimal `json:"vega"`
}

type barResponse struct {
	Timestamp string          `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// HandleGetQuote handles GET /api/marketdata/{symbol}/quote
func (h *Handler) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	asset := h.asset(r)
	quote, err := h.market.GetQuote(r.Context(), asset)
	if err != nil {
		h.writeError(w, asset, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": quoteResponse{
			Symbol:  quote.Symbol,
			Price:   quote.Price,
			Bid:     quote.Bid,
			Ask:     quote.Ask,
			BidSize: quote.BidSize,
			AskSize: quote.AskSize,
			IsLive:  quote.IsLive,
		},
		"metadata": map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)},
	})
}

// HandleGetGreeks handles GET /api/marketdata/{symbol}/greeks
func (h *Handler) HandleGetGreeks(w http.ResponseWriter, r *http.Request) {
	asset := h.asset(r)
	if asset.Class != domain.AssetClassOption {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]interface{}{"message": asset.Symbol + " is not a configured option"},
		})
		return
	}

	greeks, err := h.market.GetGreeks(r.Context(), asset)
	if err != nil {
		h.writeError(w, asset, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": greeksResponse{
			ImpliedVolatility: greeks.ImpliedVolatility,
			Delta:             greeks.Delta,
			Gamma:             greeks.Gamma,
			Theta:             greeks.Theta,
			Vega:              greeks.Vega,
		},
		"metadata": map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)},
	})
}

// HandleGetBars handles GET /api/marketdata/{symbol}/bars?length=30&timestep=day
func (h *Handler) HandleGetBars(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	length := 30
	if v := query.Get("length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "length must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		length = n
	}
	timestep := query.Get("timestep")
	if timestep == "" {
		timestep = "day"
	}
	opts := ibkr.HistoryOptions{
		Exchange:          query.Get("exchange"),
		IncludeAfterHours: query.Get("after_hours") == "true",
	}

	asset := h.asset(r)
	bars, err := h.market.GetHistoricalBars(r.Context(), asset, length, timestep, opts)
	if err != nil {
		h.writeError(w, asset, err)
		return
	}

	out := make([]barResponse, 0, len(bars))
	for _, b := range bars {
		out = append(out, barResponse{
			Timestamp: b.Timestamp.Format(time.RFC3339),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"bars": out, "count": len(out)},
		"metadata": map[string]interface{}{
			"timestep":  timestep,
			"length":    length,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, asset *domain.Asset, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, domain.ErrContractNotFound), errors.Is(err, domain.ErrNoPrice):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotAuthenticated):
		status = http.StatusServiceUnavailable
	}
	h.log.Error().Err(err).Str("asset", asset.String()).Int("status", status).Msg("Market data request failed")
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": err.Error()},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Package handlers provides HTTP handlers for order inspection.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/clients/ibkr"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/trading"
)

// OrderGateway lists working orders and refreshes one from the broker
type OrderGateway interface {
	OpenOrders(ctx context.Context) ([]ibkr.OrderInfo, error)
	Refresh(ctx context.Context, order *domain.Order) error
}

// OrderJournal reads journaled orders
type OrderJournal interface {
	ListRecent(limit int) ([]trading.OrderRecord, error)
	Get(clientOrderID string) (*trading.OrderRecord, error)
}

// TradingHandlers contains HTTP handlers for the orders API
type TradingHandlers struct {
	gateway OrderGateway
	journal OrderJournal
	log     zerolog.Logger
}

// NewTradingHandlers creates a new trading handlers instance
func NewTradingHandlers(gateway OrderGateway, journal OrderJournal, log zerolog.Logger) *TradingHandlers {
	return &TradingHandlers{
		gateway: gateway,
		journal: journal,
		log:     log.With().Str("handler", "trading").Logger(),
	}
}

type openOrderResponse struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	ContractID    int64       `json:"conid"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Status        string      `json:"status"`
	OrderType     string      `json:"order_type"`
	Quantity      string      `json:"quantity"`
	Filled        string      `json:"filled"`
	Remaining     string      `json:"remaining"`
	LimitPrice    interface{} `json:"limit_price"`
}

type orderRecordResponse struct {
	ClientOrderID string      `json:"client_order_id"`
	OrderID       string      `json:"order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	OrderType     string      `json:"order_type"`
	Quantity      string      `json:"quantity"`
	LimitPrice    interface{} `json:"limit_price"`
	StopPrice     interface{} `json:"stop_price"`
	TimeInForce   string      `json:"time_in_force"`
	Status        string      `json:"status"`
	Error         string      `json:"error,omitempty"`
	UpdatedAt     string      `json:"updated_at"`
}

// HandleGetOpenOrders handles GET /api/orders/open
func (h *TradingHandlers) HandleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	open, err := h.gateway.OpenOrders(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrNotAuthenticated) {
			status = http.StatusServiceUnavailable
		}
		h.log.Error().Err(err).Msg("Failed to get open orders")
		h.writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{"message": err.Error()},
		})
		return
	}

	out := make([]openOrderResponse, 0, len(open))
	for _, o := range open {
		resp := openOrderResponse{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			ContractID:    o.ContractID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        o.Status,
			OrderType:     o.OrderType,
			Quantity:      o.Quantity.String(),
			Filled:        o.Filled.String(),
			Remaining:     o.Remaining.String(),
		}
		if o.LimitPrice != nil {
			resp.LimitPrice = o.LimitPrice.String()
		}
		out = append(out, resp)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"orders": out, "count": len(out)},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetRecentOrders handles GET /api/orders/recent
func (h *TradingHandlers) HandleGetRecentOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.journal.ListRecent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list journaled orders")
		http.Error(w, "Failed to list orders", http.StatusInternalServerError)
		return
	}

	out := make([]orderRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, orderResponse(rec.Order()))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"orders": out, "count": len(out)},
	})
}

// HandleRefreshOrder handles POST /api/orders/{clientOrderID}/refresh.
// The journaled order is updated from the broker's current status.
func (h *TradingHandlers) HandleRefreshOrder(w http.ResponseWriter, r *http.Request) {
	clientOrderID := chi.URLParam(r, "clientOrderID")

	rec, err := h.journal.Get(clientOrderID)
	if err != nil {
		h.log.Error().Err(err).Str("client_order_id", clientOrderID).Msg("Failed to read journaled order")
		http.Error(w, "Failed to read order", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "order "+clientOrderID+" is not journaled")
		return
	}

	order := rec.Order()
	if err := h.gateway.Refresh(r.Context(), order); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrNotAuthenticated):
			status = http.StatusServiceUnavailable
		}
		h.log.Error().Err(err).Str("client_order_id", clientOrderID).Msg("Failed to refresh order")
		h.writeError(w, status, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": orderResponse(order),
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func orderResponse(o *domain.Order) orderRecordResponse {
	resp := orderRecordResponse{
		ClientOrderID: o.ClientOrderID,
		OrderID:       o.Identifier,
		Symbol:        o.Asset.Symbol,
		Side:          string(o.Side),
		OrderType:     string(o.Type()),
		Quantity:      o.Quantity.String(),
		TimeInForce:   string(o.TimeInForce),
		Status:        string(o.Status),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
	if o.Error != nil {
		resp.Error = o.Error.Error()
	}
	if o.LimitPrice != nil {
		resp.LimitPrice = o.LimitPrice.String()
	}
	if o.StopPrice != nil {
		resp.StopPrice = o.StopPrice.String()
	}
	return resp
}

func (h *TradingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": message},
	})
}

func (h *TradingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

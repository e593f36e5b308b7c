// Package handlers provides HTTP handlers for rebalancing operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
)

// CycleService is the part of rebalancing.Service the handlers use
type CycleService interface {
	CalculateDrift(ctx context.Context) ([]domain.DriftRow, error)
	RunCycle(ctx context.Context) (*rebalancing.CycleReport, error)
	RecentRuns(limit int) ([]rebalancing.Run, error)
}

// Handler handles rebalancing HTTP requests
type Handler struct {
	service      CycleService
	cycleTimeout time.Duration
	log          zerolog.Logger
}

// NewHandler creates a new rebalancing handler. Cycles started over HTTP are
// bounded by cycleTimeout (0 = none) instead of the request lifetime.
func NewHandler(service CycleService, cycleTimeout time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		service:      service,
		cycleTimeout: cycleTimeout,
		log:          log.With().Str("handler", "rebalancing").Logger(),
	}
}

// DriftRowResponse is one drift table row
type DriftRowResponse struct {
	Symbol          string          `json:"symbol"`
	IsQuoteAsset    bool            `json:"is_quote_asset"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	CurrentWeight   decimal.Decimal `json:"current_weight"`
	TargetWeight    decimal.Decimal `json:"target_weight"`
	TargetValue     decimal.Decimal `json:"target_value"`
	AbsoluteDrift   decimal.Decimal `json:"absolute_drift"`
}

// OrderResponse summarizes an order of a cycle
type OrderResponse struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
}

func driftRows(rows []domain.DriftRow) []DriftRowResponse {
	out := make([]DriftRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, DriftRowResponse{
			Symbol:          row.Symbol,
			IsQuoteAsset:    row.IsQuoteAsset,
			CurrentQuantity: row.CurrentQuantity,
			CurrentValue:    row.CurrentValue.Round(2),
			CurrentWeight:   row.CurrentWeight.Round(6),
			TargetWeight:    row.TargetWeight,
			TargetValue:     row.TargetValue.Round(2),
			AbsoluteDrift:   row.AbsoluteDrift.Round(6),
		})
	}
	return out
}

func orders(list []*domain.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(list))
	for _, o := range list {
		resp := OrderResponse{
			Symbol:     o.Asset.Symbol,
			Side:       string(o.Side),
			Quantity:   o.Quantity,
			LimitPrice: o.LimitPrice,
			OrderID:    o.Identifier,
			Status:     string(o.Status),
		}
		if o.Error != nil {
			resp.Error = o.Error.Error()
		}
		out = append(out, resp)
	}
	return out
}

// HandleGetDrift handles GET /api/rebalancing/drift
func (h *Handler) HandleGetDrift(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.CalculateDrift(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"rows":      driftRows(rows),
			"max_drift": rebalancing.MaxDrift(rows),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"note":      "Dry-run calculation - no trades executed",
		},
	})
}

// HandleRunCycle handles POST /api/rebalancing/run.
// A client that goes away must not leave the sells without their buys, so the
// cycle outlives the request.
func (h *Handler) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if h.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cycleTimeout)
		defer cancel()
	}

	report, err := h.service.RunCycle(ctx)
	if err != nil && report == nil {
		h.writeError(w, err)
		return
	}

	data := map[string]interface{}{
		"started_at":  report.StartedAt.Format(time.RFC3339),
		"finished_at": report.FinishedAt.Format(time.RFC3339),
		"rows":        driftRows(report.Rows),
		"max_drift":   report.MaxDrift,
		"threshold":   report.Threshold,
		"triggered":   report.Triggered,
	}
	if report.Plan != nil {
		data["sells"] = orders(report.Plan.Sells)
		data["buys"] = orders(report.Plan.Buys)
		data["skipped"] = report.Plan.Skipped
		data["starting_cash"] = report.Plan.StartingCash
		data["remaining_cash"] = report.Plan.RemainingCash
	}

	metadata := map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)}
	status := http.StatusOK
	if err != nil {
		metadata["error"] = err.Error()
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, map[string]interface{}{"data": data, "metadata": metadata})
}

// HandleGetRuns handles GET /api/rebalancing/runs
func (h *Handler) HandleGetRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.service.RecentRuns(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]interface{}{
			"id":               run.ID,
			"started_at":       run.StartedAt.Format(time.RFC3339),
			"finished_at":      run.FinishedAt.Format(time.RFC3339),
			"triggered":        run.Triggered,
			"max_drift":        run.MaxDrift,
			"orders_submitted": run.OrdersSubmitted,
			"orders_rejected":  run.OrdersRejected,
			"error":            run.Error,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"runs": out, "count": len(out)},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, rebalancing.ErrCycleRunning):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotAuthenticated):
		status = http.StatusServiceUnavailable
	}
	h.log.Error().Err(err).Int("status", status).Msg("Rebalancing request failed")
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

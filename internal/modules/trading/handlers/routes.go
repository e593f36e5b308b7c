package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all order routes
func (h *TradingHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Get("/open", h.HandleGetOpenOrders)     // Working orders at the broker
		r.Get("/recent", h.HandleGetRecentOrders) // Order journal
		r.Post("/{clientOrderID}/refresh", h.HandleRefreshOrder)
	})
}

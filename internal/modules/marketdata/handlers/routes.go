package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all market data routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/marketdata/{symbol}", func(r chi.Router) {
		r.Get("/quote", h.HandleGetQuote)
		r.Get("/greeks", h.HandleGetGreeks)
		r.Get("/bars", h.HandleGetBars)
	})
}

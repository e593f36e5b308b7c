package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all rebalancing routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rebalancing", func(r chi.Router) {
		r.Get("/drift", h.HandleGetDrift)
		r.Post("/run", h.HandleRunCycle)
		r.Get("/runs", h.HandleGetRuns)
	})
}

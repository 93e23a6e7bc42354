package api

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the wallet, provisioning and agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/wallet", h.GetWallet)
		r.Post("/wallet/connect", h.ConnectWallet)
		r.Post("/wallet/disconnect", h.DisconnectWallet)

		r.Get("/provision", h.GetProvision)
		r.Post("/provision/reset", h.ResetProvision)

		r.Post("/agents", h.CreateAgent)
		r.Get("/agents/current", h.CurrentAgent)
		r.Delete("/agents/current", h.ClearCurrentAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Post("/agents/{id}/interact", h.Interact)
	})
}

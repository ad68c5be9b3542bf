package ingest

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/webhook/messages", h.HandleWebhook)
	r.Get("/queue", h.HandleQueue)
	r.Delete("/queue", h.HandlePurge)
}

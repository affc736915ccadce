package api

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the session-scoped routes. The router must run the
// identity and session middlewares first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Delete("/session", h.DeleteSession)

		r.Route("/form", func(r chi.Router) {
			r.Get("/", h.GetForm)
			r.Put("/", h.UpdateForm)
			r.Post("/upload", h.UploadForm)
			r.Post("/complete", h.CompleteForm)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", h.HandleChat)
			r.Get("/messages", h.GetMessages)
			r.Delete("/messages", h.ClearMessages)
			r.Get("/tools", h.GetTools)
			r.Get("/export", h.ExportTranscript)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Get("/models", h.ListModels)
			r.Get("/{role}", h.GetAgent)
			r.Put("/{role}", h.UpdateAgent)
			r.Post("/{role}/reset", h.ResetAgent)
		})
	})
	r.Get("/ws/chat", h.ServeChatWS)
}

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/healthz", h.Health)
	r.Get("/ws", wsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Workspaces and sessions
		r.Route("/workspaces/{ws}", func(r chi.Router) {
			r.Post("/open", h.OpenWorkspace)
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions", h.CreateSession)

			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/messages", h.SendMessage)
				r.Post("/cancel", h.CancelProcessing)
				r.Post("/view", h.SetViewing)
				r.Patch("/settings", h.UpdateSettings)
				r.Post("/auth/{requestID}", h.RespondToAuth)
			})
		})

		// Integration tokens
		r.Post("/integrations/{source}/refresh", h.RefreshIntegration)
		r.Post("/integrations/{source}/check", h.CheckIntegration)
	})
}

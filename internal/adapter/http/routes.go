package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Maestro/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Protocol lifecycle
		r.Post("/protocols", h.CreateProtocol)
		r.Get("/protocols", h.ListProtocols)
		r.Get("/protocols/{id}", h.GetProtocol)

		// Commands
		r.Post("/protocols/{id}/plan", h.Plan)
		r.Post("/protocols/{id}/run-next", h.RunNext)
		r.Post("/protocols/{id}/run", h.RunUntilIdle)
		r.Post("/protocols/{id}/pause", h.Pause)
		r.Post("/protocols/{id}/resume", h.Resume)
		r.Post("/protocols/{id}/cancel", h.Cancel)
		r.Post("/protocols/{id}/clarifications/{key}/answer", h.AnswerClarification)
		r.Post("/protocols/{id}/steps/{stepID}/retry", h.RetryStep)

		// Projections
		r.Get("/protocols/{id}/steps", h.ListStepRuns)
		r.Get("/protocols/{id}/events", h.ListEvents)
		r.Get("/protocols/{id}/clarifications", h.ListClarifications)
	})

	// Real-time event stream
	r.Get("/ws", hub.HandleWS)

	// Liveness
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

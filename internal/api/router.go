package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter assembles the engine's HTTP routes.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	r.Route("/api/v1", func(r chi.Router) {
		// The stream endpoint manages its own lifetime; everything else
		// gets a request timeout.
		r.Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/orchestrate", h.Orchestrate)
			r.Get("/orchestrate", h.OrchestrateStatus)

			r.Route("/executions", func(r chi.Router) {
				r.Get("/", h.ListExecutions)
				r.Get("/{id}", h.GetExecution)
				r.Post("/{id}/pause", h.PauseExecution)
				r.Post("/{id}/resume", h.ResumeExecution)
				r.Post("/{id}/cancel", h.CancelExecution)
			})

			r.Get("/events", h.EventHistory)

			r.Route("/artifacts", func(r chi.Router) {
				r.Get("/", h.QueryArtifacts)
				r.Get("/{id}", h.GetArtifact)
				r.Delete("/{id}", h.DeleteArtifact)
			})

			r.Route("/callbacks", func(r chi.Router) {
				r.Post("/", h.RegisterCallback)
				r.Get("/", h.ListCallbacks)
				r.Get("/executions", h.CallbackExecutions)
				r.Delete("/{id}", h.UnregisterCallback)
			})

			r.Route("/metrics", func(r chi.Router) {
				r.Get("/", h.MetricsOverview)
				r.Put("/thresholds", h.AddThreshold)
				r.Delete("/thresholds/{id}", h.RemoveThreshold)
				r.Get("/alerts", h.ActiveAlerts)
				r.Post("/alerts/{id}/ack", h.AcknowledgeAlert)
			})

			r.Post("/test", h.SelfTest)
		})
	})

	return r
}

package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. The health checker is wired
// separately so tests can bring the surface up without live backends.
func SetupRoutes(h *Handlers, hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The service fronts a personal mailbox; no cookies, no credentials.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Health (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)

	// Classification surface
	r.Post("/run", h.HandleRun)
	r.Get("/stats", h.HandleStats)
	r.Get("/labels", h.HandleLabels)

	// Notification surface
	r.Get("/notifications", h.HandleNotifications)
	r.Post("/notifications/ack", h.HandleAck)
	r.Post("/notifications/pop", h.HandlePop)
	r.Get("/notifications/read", h.HandleReadNotifications)

	// Privileged surface (X-API-Key)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Post("/logs/{id}/correction", h.HandleCorrection)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reclassify", h.HandleReclassify)
			r.Get("/ambiguous", h.HandleAmbiguous)
			r.Post("/training-data/archive", h.HandleArchive)
		})
	})

	return r
}

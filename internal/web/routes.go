package web

import (
	"github.com/assiminee/facegate/internal/web/handlers"
	"github.com/assiminee/facegate/internal/web/middleware"
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes(deps Deps) {
	// Create handlers
	verifyHandler := handlers.NewVerifyHandler(deps.Verify, deps.Logger)
	templatesHandler := handlers.NewTemplatesHandler(deps.Enroll, deps.Templates, deps.Logger)
	statsHandler := handlers.NewStatsHandler(deps.Templates, deps.Model, deps.Logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// Prometheus scrape endpoint
	if deps.Metrics != nil {
		s.router.Method("GET", "/metrics", deps.Metrics.Handler())
	}

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Gate terminals verify without credentials; the venue network is
		// the trust boundary for the hot path.
		r.Post("/verify", verifyHandler.Verify)
		r.Get("/stats", statsHandler.Get)

		// Enrollment mutates the template store and is operator-only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(s.config.Web.APIKey))

			r.Post("/spectators/{spectatorID}/templates", templatesHandler.Enroll)
			r.Delete("/templates/{templateID}", templatesHandler.Remove)
		})
	})
}

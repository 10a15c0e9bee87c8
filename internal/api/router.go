package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowmint/flowmint/internal/api/handlers"
	"github.com/flowmint/flowmint/internal/api/middleware"
	"github.com/flowmint/flowmint/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "flowmint"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.UserExtractor(cfg.UserID))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/capture", h.Capture)
		r.Post("/simulate", h.Simulate)
		r.Post("/demo", h.ActivateDemo)

		r.Route("/patterns", func(r chi.Router) {
			r.Get("/", h.ListPatterns)
			r.Route("/{patternId}", func(r chi.Router) {
				r.Get("/", h.GetPattern)
				r.Post("/generate", h.GeneratePattern)
				r.Post("/mint", h.MintPattern)
				r.Post("/transition", h.TransitionPattern)
			})
		})

		r.Post("/reconcile", h.Reconcile)
		r.Get("/stats", h.GetStats)
		r.Get("/logs", h.ListLogs)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.GetQueue)
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/replay", h.ReplayDeadLetters)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}

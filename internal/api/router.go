package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/waflow/control-plane/internal/api/handlers"
	"github.com/waflow/control-plane/internal/api/middleware"
	"github.com/waflow/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/bot-flows", func(r chi.Router) {
			r.Get("/", h.ListFlows)
			r.Post("/", h.CreateFlow)
			r.Route("/{flowId}", func(r chi.Router) {
				r.Get("/", h.GetFlow)
				r.Put("/", h.UpdateFlow)
				r.Delete("/", h.DeleteFlow)
				r.Post("/duplicate", h.DuplicateFlow)
				r.Post("/publish", h.PublishFlow)
				r.Post("/validate", h.ValidateFlow)
				r.Post("/relink", h.RelinkNodes)

				r.Route("/nodes", func(r chi.Router) {
					r.Get("/", h.ListNodes)
					r.Post("/", h.CreateNode)
					r.Post("/bulk", h.CreateNodesBulk)
					r.Route("/{nodeId}", func(r chi.Router) {
						r.Get("/", h.GetNode)
						r.Put("/", h.UpdateNode)
						r.Delete("/", h.DeleteNode)
					})
				})
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "waflow-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "waflow-control-plane",
		})
	}
}

package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/config"
	"github.com/amerfu/infergate/internal/handlers"
	"github.com/amerfu/infergate/internal/middleware"
)

// Handlers groups everything the HTTP surface dispatches to.
type Handlers struct {
	Keys        middleware.KeyVerifier
	QPS         *middleware.QPSLimiter
	Completions *handlers.CompletionsHandler
	Models      *handlers.ModelsHandler
	Health      *handlers.HealthHandler
	Admin       *handlers.AdminHandler
}

func NewRouter(cfg *config.Config, logger *zap.Logger, h Handlers) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MetricsMiddleware(logger))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	// Health check
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Prometheus metrics endpoint
	if cfg.Monitoring.EnableMetrics {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	authMiddleware := middleware.NewAuthMiddleware(logger, h.Keys)

	// Inference routes
	r.Group(func(r chi.Router) {
		if h.QPS != nil {
			r.Use(middleware.RateLimit(h.QPS))
		}
		r.Use(authMiddleware.Authenticate)

		openAI := func(r chi.Router) {
			r.Post("/chat/completions", h.Completions.ChatCompletions)
			r.Post("/completions", h.Completions.Completions)
			r.Get("/models", h.Models.ListModels)
		}
		r.Route("/v1", openAI)
		// Same endpoints without the version prefix
		openAI(r)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Use(authMiddleware.RequireAdmin)
		r.Mount("/admin", NewAdminSubRouter(h.Admin))
	})

	// Not found handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"message": "Not found", "type": "invalid_request_error", "code": "not_found"}}`)); err != nil {
			logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})

	return r
}

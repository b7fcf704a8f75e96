package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amerfu/infergate/internal/handlers"
)

// NewAdminSubRouter creates admin routes to be mounted on the main router.
// Authentication and the admin check are applied by the parent group.
func NewAdminSubRouter(h *handlers.AdminHandler) http.Handler {
	r := chi.NewRouter()

	r.Route("/backends", func(r chi.Router) {
		r.Get("/", h.ListBackends)
		r.Post("/", h.RegisterBackend)
		r.Delete("/", h.UnregisterBackend)

		// Locally supervised engines
		r.Post("/{engine}/start", h.StartBackend)
		r.Post("/{engine}/stop", h.StopBackend)
		r.Post("/{engine}/restart", h.RestartBackend)
		r.Get("/{engine}/status", h.BackendStatus)
	})

	// Model ids may contain slashes, so the manual mapping routes take the
	// rest of the path.
	r.Post("/models/refresh", h.RefreshModels)
	r.Put("/models/*", h.SetManualModel)
	r.Delete("/models/*", h.RemoveManualModel)

	r.Post("/adapters/load", h.LoadAdapter)
	r.Post("/adapters/unload", h.UnloadAdapter)

	r.Post("/reload-keys", h.ReloadKeys)
	r.Post("/clean-logs", h.CleanLogs)
	r.Get("/log-stats", h.LogStats)

	return r
}

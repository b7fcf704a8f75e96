package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amerfu/infergate/internal/services/proxy"
	"github.com/amerfu/infergate/internal/services/routing"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

// ProcessChecker reports whether a locally launched engine is alive.
type ProcessChecker interface {
	IsRunning() bool
}

type BackendHealth struct {
	ID      string             `json:"id"`
	Engine  routing.EngineType `json:"engine"`
	BaseURL string             `json:"base_url"`
	Status  string             `json:"status"`
	Message string             `json:"message,omitempty"`
}

type HealthResponse struct {
	Status   string          `json:"status"`
	Backends []BackendHealth `json:"backends"`
}

type HealthHandler struct {
	logger  *zap.Logger
	router  *routing.Router
	proxy   *proxy.Client
	timeout time.Duration
	// managed maps a normalized base URL to the supervisor of the local
	// process serving it.
	managed map[string]ProcessChecker
}

func NewHealthHandler(logger *zap.Logger, router *routing.Router, client *proxy.Client, timeout time.Duration, managed map[string]ProcessChecker) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{
		logger:  logger,
		router:  router,
		proxy:   client,
		timeout: timeout,
		managed: managed,
	}
}

// Health probes every active instance. Locally managed instances whose
// process is not running are reported as stopped and not probed.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	instances := h.router.Instances()
	results := make([]BackendHealth, len(instances))

	g, ctx := errgroup.WithContext(r.Context())
	for i, inst := range instances {
		results[i] = BackendHealth{ID: inst.ID, Engine: inst.Engine, BaseURL: inst.BaseURL}

		if pc, ok := h.managed[inst.BaseURL]; ok && !pc.IsRunning() {
			results[i].Status = StatusStopped
			continue
		}

		i, inst := i, inst
		g.Go(func() error {
			if err := h.proxy.Probe(ctx, inst.BaseURL+"/health", h.timeout); err != nil {
				results[i].Status = StatusUnhealthy
				results[i].Message = err.Error()
				return nil
			}
			results[i].Status = StatusHealthy
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{Status: aggregate(results), Backends: results}
	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
		h.logger.Warn("Gateway unhealthy", zap.Int("instances", len(instances)))
	}
	sendJSON(h.logger, w, status, resp)
}

// aggregate: no active instance is unhealthy, all passing is healthy,
// anything in between is degraded.
func aggregate(results []BackendHealth) string {
	active, passing := 0, 0
	for _, r := range results {
		if r.Status == StatusStopped {
			continue
		}
		active++
		if r.Status == StatusHealthy {
			passing++
		}
	}
	switch {
	case active == 0 || passing == 0:
		return StatusUnhealthy
	case passing == active:
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

// Ready reports whether at least one model can be routed.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	models := h.router.ListModels()
	if len(models) == 0 {
		sendJSON(h.logger, w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "no models available",
		})
		return
	}
	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"models": len(models),
	})
}

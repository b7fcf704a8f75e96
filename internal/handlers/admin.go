package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/middleware"
	"github.com/amerfu/infergate/internal/services/logs"
	"github.com/amerfu/infergate/internal/services/proxy"
	"github.com/amerfu/infergate/internal/services/routing"
	"github.com/amerfu/infergate/internal/services/supervisor"
)

// ProcessSupervisor is the lifecycle surface of a locally launched engine.
type ProcessSupervisor interface {
	Start(ctx context.Context, override string) (int, error)
	Stop(force bool) error
	Restart(ctx context.Context, override string, force bool) (int, error)
	Status() supervisor.Status
	IsRunning() bool
	WaitForReady(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// ManagedEngine ties a supervisor to the address its engine listens on.
type ManagedEngine struct {
	Engine       routing.EngineType
	Supervisor   ProcessSupervisor
	Host         string
	Port         int
	BaseURL      string
	ReadyTimeout time.Duration
}

type KeyReloader interface {
	Reload() error
	Len() int
}

type AdminConfig struct {
	Router      *routing.Router
	Proxy       *proxy.Client
	Keys        KeyReloader
	Engines     map[routing.EngineType]ManagedEngine
	LogDir      string
	LogKeepDays int
}

type AdminHandler struct {
	logger *zap.Logger
	cfg    AdminConfig
}

func NewAdminHandler(logger *zap.Logger, cfg AdminConfig) *AdminHandler {
	if cfg.LogKeepDays <= 0 {
		cfg.LogKeepDays = 7
	}
	return &AdminHandler{logger: logger, cfg: cfg}
}

type backendRequest struct {
	Engine string `json:"engine"`
	URL    string `json:"url"`
}

type manualModelRequest struct {
	Engine string `json:"engine"`
	URL    string `json:"url,omitempty"`
}

type startRequest struct {
	Command string `json:"command,omitempty"`
	Wait    bool   `json:"wait,omitempty"`
	// Timeout is the readiness wait in seconds.
	Timeout int `json:"timeout,omitempty"`
}

type stopRequest struct {
	Force bool `json:"force,omitempty"`
}

type restartRequest struct {
	startRequest
	Force bool `json:"force,omitempty"`
}

type adapterRequest struct {
	URL      string `json:"url,omitempty"`
	Engine   string `json:"engine,omitempty"`
	LoRAName string `json:"lora_name"`
	LoRAPath string `json:"lora_path,omitempty"`
}

type supervisorErrorResponse struct {
	Error    APIError `json:"error"`
	ExitCode int      `json:"exit_code,omitempty"`
	Hints    []string `json:"hints,omitempty"`
	Summary  []string `json:"summary,omitempty"`
}

func (h *AdminHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"instances": h.cfg.Router.Instances(),
		"manual":    h.cfg.Router.Manual(),
		"conflicts": h.cfg.Router.Conflicts(),
	})
}

func (h *AdminHandler) RegisterBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if !h.decode(w, r, &req) {
		return
	}
	engine, err := routing.ParseEngineType(req.Engine)
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	id, err := h.cfg.Router.Register(engine, req.URL)
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	h.logger.Info("Backend registered", zap.String("engine", string(engine)), zap.String("url", req.URL), zap.String("user", h.user(r)))
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"id": id, "engine": string(engine)})
}

func (h *AdminHandler) UnregisterBackend(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, "url query parameter is required")
		return
	}
	if !h.cfg.Router.Unregister(url) {
		sendError(h.logger, w, http.StatusNotFound, errTypeNotFound, "backend not registered: "+url)
		return
	}
	h.logger.Info("Backend unregistered", zap.String("url", url), zap.String("user", h.user(r)))
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (h *AdminHandler) RefreshModels(w http.ResponseWriter, r *http.Request) {
	res, err := h.cfg.Router.Refresh(r.Context())
	if err != nil {
		sendError(h.logger, w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	sendJSON(h.logger, w, http.StatusOK, res)
}

func (h *AdminHandler) SetManualModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "*")
	if model == "" {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, "model is required")
		return
	}
	var req manualModelRequest
	if !h.decode(w, r, &req) {
		return
	}
	engine, err := routing.ParseEngineType(req.Engine)
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	if err := h.cfg.Router.SetManual(model, engine, req.URL); err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	h.logger.Info("Manual model mapping set", zap.String("model", model), zap.String("engine", string(engine)), zap.String("url", req.URL))
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"model": model, "engine": string(engine), "url": req.URL})
}

func (h *AdminHandler) RemoveManualModel(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "*")
	if !h.cfg.Router.RemoveManual(model) {
		sendError(h.logger, w, http.StatusNotFound, errTypeNotFound, "no manual mapping for model: "+model)
		return
	}
	h.logger.Info("Manual model mapping removed", zap.String("model", model))
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *AdminHandler) StartBackend(w http.ResponseWriter, r *http.Request) {
	me, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	// The process must outlive this request.
	ctx := context.WithoutCancel(r.Context())
	pid, err := me.Supervisor.Start(ctx, req.Command)
	if err != nil {
		h.sendSupervisorError(w, err)
		return
	}
	h.logger.Info("Backend start requested", zap.String("engine", string(me.Engine)), zap.Int("pid", pid), zap.String("user", h.user(r)))
	h.afterStart(w, r, me, req, pid)
}

func (h *AdminHandler) RestartBackend(w http.ResponseWriter, r *http.Request) {
	me, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req restartRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	pid, err := me.Supervisor.Restart(ctx, req.Command, req.Force)
	if err != nil {
		h.sendSupervisorError(w, err)
		return
	}
	h.logger.Info("Backend restart requested", zap.String("engine", string(me.Engine)), zap.Int("pid", pid), zap.Bool("force", req.Force), zap.String("user", h.user(r)))
	h.afterStart(w, r, me, req.startRequest, pid)
}

// afterStart registers the engine, optionally waits for it to serve and
// writes the start response.
func (h *AdminHandler) afterStart(w http.ResponseWriter, r *http.Request, me ManagedEngine, req startRequest, pid int) {
	if _, err := h.cfg.Router.Register(me.Engine, me.BaseURL); err != nil {
		h.logger.Warn("Failed to register started backend", zap.String("url", me.BaseURL), zap.Error(err))
	}

	resp := map[string]interface{}{"pid": pid, "status": me.Supervisor.Status()}
	if req.Wait {
		timeout := me.ReadyTimeout
		if req.Timeout > 0 {
			timeout = time.Duration(req.Timeout) * time.Second
		}
		ready := me.Supervisor.WaitForReady(r.Context(), me.Host, me.Port, timeout)
		resp["ready"] = ready
		if ready {
			if _, err := h.cfg.Router.Refresh(r.Context()); err != nil {
				h.logger.Warn("Refresh after start failed", zap.Error(err))
			}
		}
	}
	sendJSON(h.logger, w, http.StatusOK, resp)
}

func (h *AdminHandler) StopBackend(w http.ResponseWriter, r *http.Request) {
	me, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := me.Supervisor.Stop(req.Force); err != nil {
		h.sendSupervisorError(w, err)
		return
	}
	h.logger.Info("Backend stop requested", zap.String("engine", string(me.Engine)), zap.Bool("force", req.Force), zap.String("user", h.user(r)))
	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{"status": me.Supervisor.Status()})
}

func (h *AdminHandler) BackendStatus(w http.ResponseWriter, r *http.Request) {
	me, ok := h.engine(w, r)
	if !ok {
		return
	}
	sendJSON(h.logger, w, http.StatusOK, me.Supervisor.Status())
}

func (h *AdminHandler) LoadAdapter(w http.ResponseWriter, r *http.Request) {
	h.adapter(w, r, true)
}

func (h *AdminHandler) UnloadAdapter(w http.ResponseWriter, r *http.Request) {
	h.adapter(w, r, false)
}

func (h *AdminHandler) adapter(w http.ResponseWriter, r *http.Request, load bool) {
	var req adapterRequest
	if !h.decode(w, r, &req) {
		return
	}
	baseURL, err := h.adapterTarget(req)
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}

	ar := proxy.AdapterRequest{LoRAName: req.LoRAName, LoRAPath: req.LoRAPath}
	var msg string
	if load {
		msg, err = h.cfg.Proxy.LoadAdapter(r.Context(), baseURL, ar)
	} else {
		msg, err = h.cfg.Proxy.UnloadAdapter(r.Context(), baseURL, ar)
	}
	if err != nil {
		if be, ok := proxy.AsBackendError(err); ok {
			sendError(h.logger, w, be.StatusCode, errTypeBackend, be.Body)
			return
		}
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}

	h.logger.Info("Adapter updated",
		zap.Bool("load", load),
		zap.String("lora_name", req.LoRAName),
		zap.String("url", baseURL))

	// Engines list loaded adapters as models.
	if _, err := h.cfg.Router.Refresh(r.Context()); err != nil {
		h.logger.Warn("Refresh after adapter update failed", zap.Error(err))
	}
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"message": msg, "url": baseURL})
}

func (h *AdminHandler) adapterTarget(req adapterRequest) (string, error) {
	if req.URL != "" {
		return routing.NormalizeURL(req.URL)
	}
	engine := routing.EngineVLLM
	if req.Engine != "" {
		e, err := routing.ParseEngineType(req.Engine)
		if err != nil {
			return "", err
		}
		engine = e
	}
	for _, inst := range h.cfg.Router.Instances() {
		if inst.Engine == engine {
			return inst.BaseURL, nil
		}
	}
	return "", errors.New("no registered instance for engine " + string(engine))
}

func (h *AdminHandler) ReloadKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Keys.Reload(); err != nil {
		h.logger.Error("Failed to reload API keys", zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, errTypeInternal, "failed to reload API keys: "+err.Error())
		return
	}
	h.logger.Info("API keys reloaded", zap.Int("keys", h.cfg.Keys.Len()), zap.String("user", h.user(r)))
	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"keys_count": h.cfg.Keys.Len(),
	})
}

func (h *AdminHandler) CleanLogs(w http.ResponseWriter, r *http.Request) {
	days := h.cfg.LogKeepDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	res, err := logs.Clean(h.cfg.LogDir, days, h.logger)
	if err != nil {
		h.logger.Warn("Log cleanup finished with errors", zap.Error(err))
	}
	stats, err := logs.CollectStats(h.cfg.LogDir)
	if err != nil {
		sendError(h.logger, w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	h.logger.Info("Logs cleaned",
		zap.Int("days", days),
		zap.Int("deleted_files", res.DeletedFiles),
		zap.String("user", h.user(r)))
	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"status":         "success",
		"cleanup_result": res,
		"current_stats":  stats,
	})
}

func (h *AdminHandler) LogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := logs.CollectStats(h.cfg.LogDir)
	if err != nil {
		sendError(h.logger, w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	sendJSON(h.logger, w, http.StatusOK, stats)
}

func (h *AdminHandler) engine(w http.ResponseWriter, r *http.Request) (ManagedEngine, bool) {
	name := strings.ToLower(chi.URLParam(r, "engine"))
	engine, err := routing.ParseEngineType(name)
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return ManagedEngine{}, false
	}
	me, ok := h.cfg.Engines[engine]
	if !ok || me.Supervisor == nil {
		sendError(h.logger, w, http.StatusNotFound, errTypeNotFound, "engine is not managed by this gateway: "+name)
		return ManagedEngine{}, false
	}
	return me, true
}

func (h *AdminHandler) sendSupervisorError(w http.ResponseWriter, err error) {
	se, ok := supervisor.AsError(err)
	if !ok {
		h.logger.Error("Supervisor operation failed", zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	status := http.StatusInternalServerError
	if se.Contention {
		status = http.StatusConflict
	}
	h.logger.Error("Supervisor operation failed",
		zap.String("engine", se.Engine),
		zap.String("op", se.Op),
		zap.String("reason", se.Reason),
		zap.Strings("hints", se.Hints))
	sendJSON(h.logger, w, status, supervisorErrorResponse{
		Error:    APIError{Message: se.Error(), Type: "supervisor_error"},
		ExitCode: se.ExitCode,
		Hints:    se.Hints,
		Summary:  se.Summary,
	})
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *AdminHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		sendError(h.logger, w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *AdminHandler) user(r *http.Request) string {
	key, _ := middleware.GetAPIKey(r.Context())
	return key.User
}

package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/middleware"
	"github.com/amerfu/infergate/internal/services/admission"
	"github.com/amerfu/infergate/internal/services/proxy"
	"github.com/amerfu/infergate/internal/services/routing"
)

const maxRequestBody = 32 << 20

// PipelineRecorder receives per-request events for metrics. Nil is allowed.
type PipelineRecorder interface {
	RecordRejection(reason string)
	RecordBackendError(engine routing.EngineType, status int)
	RecordProxied(engine routing.EngineType, endpoint string, stream bool)
}

// CompletionsHandler runs the gateway pipeline for inference calls:
// admit, route, forward, release.
type CompletionsHandler struct {
	logger    *zap.Logger
	admission *admission.Controller
	router    *routing.Router
	proxy     *proxy.Client
	recorder  PipelineRecorder
}

func NewCompletionsHandler(logger *zap.Logger, ac *admission.Controller, router *routing.Router, client *proxy.Client, recorder PipelineRecorder) *CompletionsHandler {
	return &CompletionsHandler{
		logger:    logger,
		admission: ac,
		router:    router,
		proxy:     client,
		recorder:  recorder,
	}
}

func (h *CompletionsHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/v1/chat/completions", parseChatRequest)
}

func (h *CompletionsHandler) Completions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "/v1/completions", parseCompletionRequest)
}

func (h *CompletionsHandler) serve(w http.ResponseWriter, r *http.Request, endpoint string, parse func([]byte) (inferenceRequest, error)) {
	key, _ := middleware.GetAPIKey(r.Context())
	logger := h.logger.With(zap.String("endpoint", endpoint), zap.String("user", key.User))

	permit, err := h.admission.TryAcquire(key.Key)
	if err != nil {
		h.reject(logger, w, err)
		return
	}
	defer permit.Release()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		sendError(logger, w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body: "+err.Error())
		return
	}
	req, err := parse(body)
	if err != nil {
		sendError(logger, w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.admission.CheckTokens(r.Context(), key.Key, req.EstimatedTokens); err != nil {
		h.reject(logger, w, err)
		return
	}

	target, err := h.resolve(r, req.Model)
	if err != nil {
		var nf *routing.NotFoundError
		if errors.As(err, &nf) {
			logger.Warn("Model not found", zap.String("model", req.Model))
			sendError(logger, w, http.StatusNotFound, errTypeNotFound, modelNotFoundMessage(nf))
			return
		}
		logger.Error("Failed to resolve model", zap.String("model", req.Model), zap.Error(err))
		sendError(logger, w, http.StatusInternalServerError, errTypeInternal, "internal server error: "+err.Error())
		return
	}

	url := target.BaseURL + endpoint
	logger = logger.With(
		zap.String("model", req.Model),
		zap.String("engine", string(target.Engine)),
		zap.Bool("stream", req.Stream))
	logger.Debug("Forwarding request",
		zap.String("url", url),
		zap.Int("estimated_tokens", req.EstimatedTokens))

	if h.recorder != nil {
		h.recorder.RecordProxied(target.Engine, endpoint, req.Stream)
	}

	if req.Stream {
		for k, v := range proxy.StreamHeaders {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusOK)

		// Failures are already delivered in-band as a terminal error event.
		if err := h.proxy.ForwardStreaming(r.Context(), url, body, key.Key, w); err != nil {
			if r.Context().Err() != nil {
				logger.Debug("Client disconnected during stream")
				return
			}
			h.recordBackendError(target.Engine, err)
			logger.Warn("Stream relay ended with error", zap.Error(err))
			return
		}
		logger.Info("Stream request completed")
		return
	}

	resp, err := h.proxy.ForwardNonStreaming(r.Context(), url, body, key.Key)
	if err != nil {
		h.recordBackendError(target.Engine, err)
		h.writeProxyError(logger, w, err)
		return
	}
	sendRaw(logger, w, http.StatusOK, resp)
	logger.Info("Request completed")
}

// resolve looks the model up, forcing one discovery pass on a miss.
func (h *CompletionsHandler) resolve(r *http.Request, model string) (routing.Target, error) {
	target, err := h.router.Resolve(model)
	if err == nil || !routing.IsNotFound(err) {
		return target, err
	}
	if _, rerr := h.router.Refresh(r.Context()); rerr != nil {
		h.logger.Warn("Forced refresh failed", zap.Error(rerr))
	}
	return h.router.Resolve(model)
}

func (h *CompletionsHandler) reject(logger *zap.Logger, w http.ResponseWriter, err error) {
	var rejected *admission.RejectedError
	if errors.As(err, &rejected) {
		if h.recorder != nil {
			h.recorder.RecordRejection(rejected.Reason)
		}
		logger.Warn("Request rejected", zap.String("reason", rejected.Reason))
		sendError(logger, w, http.StatusTooManyRequests, errTypeRateLimit, rejected.Error())
		return
	}
	logger.Error("Admission check failed", zap.Error(err))
	sendError(logger, w, http.StatusInternalServerError, errTypeInternal, "internal server error: "+err.Error())
}

func (h *CompletionsHandler) writeProxyError(logger *zap.Logger, w http.ResponseWriter, err error) {
	if be, ok := proxy.AsBackendError(err); ok {
		logger.Warn("Backend returned error", zap.Int("status", be.StatusCode))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(be.StatusCode)
		_, _ = io.WriteString(w, be.Body)
		return
	}
	if de, ok := proxy.AsDecodeError(err); ok {
		logger.Error("Backend returned invalid JSON", zap.String("preview", de.Preview))
		sendError(logger, w, http.StatusInternalServerError, errTypeBackend, de.Error())
		return
	}
	logger.Error("Request forwarding failed", zap.Error(err))
	sendError(logger, w, http.StatusInternalServerError, errTypeInternal, "internal server error: "+err.Error())
}

func (h *CompletionsHandler) recordBackendError(engine routing.EngineType, err error) {
	if h.recorder == nil {
		return
	}
	status := 0
	if be, ok := proxy.AsBackendError(err); ok {
		status = be.StatusCode
	}
	h.recorder.RecordBackendError(engine, status)
}

func modelNotFoundMessage(nf *routing.NotFoundError) string {
	if len(nf.Known) == 0 {
		return fmt.Sprintf("model %q not found, no models are currently available", nf.Model)
	}
	return fmt.Sprintf("model %q not found, available models: %s", nf.Model, strings.Join(nf.Known, ", "))
}

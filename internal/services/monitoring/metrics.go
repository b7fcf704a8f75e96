package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/auth"
	"github.com/amerfu/infergate/internal/services/proxy"
	"github.com/amerfu/infergate/internal/services/routing"
)

var (
	tokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_token_usage_total",
			Help: "Total tokens used",
		},
		[]string{"api_key", "type"}, // type: input, output
	)

	admissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_admission_rejections_total",
			Help: "Requests rejected by the admission controller",
		},
		[]string{"reason"},
	)

	backendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_backend_errors_total",
			Help: "Non-success responses and failures from engine instances",
		},
		[]string{"engine", "status"},
	)

	discoveryConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_discovery_conflicts_total",
			Help: "Models dropped from routing because several instances reported them",
		},
		[]string{"model"},
	)

	routedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "infergate_routed_models",
			Help: "Models currently resolvable by the router",
		},
	)

	supervisorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_supervisor_events_total",
			Help: "Backend process lifecycle events",
		},
		[]string{"engine", "event"},
	)

	proxiedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infergate_proxied_requests_total",
			Help: "Requests forwarded to engine instances",
		},
		[]string{"engine", "endpoint", "stream"},
	)
)

// Recorder reports gateway events to Prometheus and the log.
type Recorder struct {
	logger *zap.Logger
}

func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger}
}

// RecordUsage implements proxy.UsageRecorder.
func (r *Recorder) RecordUsage(key string, usage proxy.Usage) {
	label := auth.MaskKey(key)
	tokenUsageTotal.WithLabelValues(label, "input").Add(float64(usage.PromptTokens))
	tokenUsageTotal.WithLabelValues(label, "output").Add(float64(usage.CompletionTokens))

	r.logger.Info("Token usage",
		zap.String("api_key", label),
		zap.Int64("input_tokens", usage.PromptTokens),
		zap.Int64("output_tokens", usage.CompletionTokens),
		zap.Int64("total_tokens", usage.TotalTokens))
}

func (r *Recorder) RecordRejection(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

// RecordBackendError counts an engine failure. status 0 means no response.
func (r *Recorder) RecordBackendError(engine routing.EngineType, status int) {
	label := "none"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	backendErrors.WithLabelValues(string(engine), label).Inc()
}

// RecordConflict implements routing.ConflictObserver.
func (r *Recorder) RecordConflict(c routing.Conflict) {
	discoveryConflicts.WithLabelValues(c.Model).Inc()
}

func (r *Recorder) SetRoutedModels(n int) {
	routedModels.Set(float64(n))
}

func (r *Recorder) RecordSupervisorEvent(engine, event string) {
	supervisorEvents.WithLabelValues(engine, event).Inc()
}

func (r *Recorder) RecordProxied(engine routing.EngineType, endpoint string, stream bool) {
	proxiedRequests.WithLabelValues(string(engine), endpoint, strconv.FormatBool(stream)).Inc()
}

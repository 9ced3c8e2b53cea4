package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// PoolUtilization is a gauge of active workers per named pool (C1).
	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbit_pool_active_tasks",
			Help: "Number of in-flight tasks per worker pool",
		},
		[]string{"pool"},
	)
	// PoolQueueDepth is a gauge of queued-but-not-started tasks per pool.
	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbit_pool_queue_depth",
			Help: "Number of queued tasks per worker pool",
		},
		[]string{"pool"},
	)
	// PoolTasksTotal counts completed/failed pool submissions.
	PoolTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_pool_tasks_total",
			Help: "Total tasks submitted to a pool, by outcome",
		},
		[]string{"pool", "outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per adapter
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbit_circuit_breaker_status",
			Help: "Circuit breaker status by adapter (0=closed, 1=open, 2=half-open)",
		},
		[]string{"adapter"},
	)
	// CircuitBreakerTransitionsTotal counts state transitions per adapter.
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions by adapter and target state",
		},
		[]string{"adapter", "to_state"},
	)

	// AdapterCallsTotal counts adapter invocations by name and outcome.
	AdapterCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_adapter_calls_total",
			Help: "Total adapter invocations by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)
	// AdapterCallDuration records adapter call latency.
	AdapterCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbit_adapter_call_duration_seconds",
			Help:    "Adapter call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"adapter"},
	)

	// RetrievalTruncatedTotal counts retrievals that truncated results.
	RetrievalTruncatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_retrieval_truncated_total",
			Help: "Total retrievals whose result set was truncated",
		},
		[]string{"adapter"},
	)

	// RateLimitRejectionsTotal counts 429s by scope (ip/apikey).
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// ModerationVerdictsTotal counts moderation verdicts by stage and outcome.
	ModerationVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_moderation_verdicts_total",
			Help: "Total moderation verdicts by stage (pre/post) and outcome (safe/unsafe)",
		},
		[]string{"stage", "outcome"},
	)

	// PipelineStepDuration records per-step latency of the pipeline engine.
	PipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbit_pipeline_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"step"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolTasksTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(CircuitBreakerTransitionsTotal)
	prometheus.MustRegister(AdapterCallsTotal)
	prometheus.MustRegister(AdapterCallDuration)
	prometheus.MustRegister(RetrievalTruncatedTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(ModerationVerdictsTotal)
	prometheus.MustRegister(PipelineStepDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordCircuitState records the numeric circuit state for an adapter.
func RecordCircuitState(adapter string, state int) {
	CircuitBreakerStatus.WithLabelValues(adapter).Set(float64(state))
}

// RecordCircuitTransition counts a state transition.
func RecordCircuitTransition(adapter, toState string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(adapter, toState).Inc()
}

// RecordAdapterCall records the outcome and latency of an adapter call.
func RecordAdapterCall(adapter, outcome string, seconds float64) {
	AdapterCallsTotal.WithLabelValues(adapter, outcome).Inc()
	AdapterCallDuration.WithLabelValues(adapter).Observe(seconds)
}

// RecordRetrievalTruncated increments the truncation counter for an adapter.
func RecordRetrievalTruncated(adapter string) {
	RetrievalTruncatedTotal.WithLabelValues(adapter).Inc()
}

// RecordRateLimitRejection increments the rejection counter for a scope.
func RecordRateLimitRejection(scope string) {
	RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordModerationVerdict records a moderation verdict outcome.
func RecordModerationVerdict(stage string, unsafe bool) {
	outcome := "safe"
	if unsafe {
		outcome = "unsafe"
	}
	ModerationVerdictsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordPipelineStep records step latency.
func RecordPipelineStep(step string, seconds float64) {
	PipelineStepDuration.WithLabelValues(step).Observe(seconds)
}

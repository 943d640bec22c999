package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	responderDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid; every Record/Set method is then a no-op.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Chat metrics
	ChatMessagesTotal     *prometheus.CounterVec
	SafetyViolationsTotal *prometheus.CounterVec
	RateLimitRejections   prometheus.Counter

	// Journey metrics
	JourneysCreatedTotal prometheus.Counter
	TransitionsTotal     *prometheus.CounterVec
	TransitionRacesTotal prometheus.Counter

	// Bus metrics
	EventsEmittedTotal    *prometheus.CounterVec
	DeliveryFailuresTotal *prometheus.CounterVec
	TasksAssignedTotal    *prometheus.CounterVec
	DispatchQueueDepth    prometheus.Gauge

	// Responder metrics
	ResponderRequestsTotal *prometheus.CounterVec
	ResponderDuration      prometheus.Histogram
	ResponderBreakerState  prometheus.Gauge
	ResponderRetriesTotal  prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealjourney_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealjourney_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealjourney_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Chat
		ChatMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_chat_messages_total",
			Help: "Total chat messages answered, by intent and safety status.",
		}, []string{"intent", "safety_status"}),
		SafetyViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_safety_violations_total",
			Help: "Total safety rule hits on candidate responses.",
		}, []string{"rule"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealjourney_rate_limit_rejections_total",
			Help: "Total chat requests rejected by the rate limiter.",
		}),

		// Journeys
		JourneysCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealjourney_journeys_created_total",
			Help: "Total journeys created.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_stage_transitions_total",
			Help: "Total committed stage transitions.",
		}, []string{"from", "to"}),
		TransitionRacesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealjourney_stage_transition_races_total",
			Help: "Total transitions lost to a concurrent writer.",
		}),

		// Bus
		EventsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_events_emitted_total",
			Help: "Total events published.",
		}, []string{"event_type"}),
		DeliveryFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_delivery_failures_total",
			Help: "Total event deliveries that failed for one subscriber.",
		}, []string{"event_type", "subscriber"}),
		TasksAssignedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_tasks_assigned_total",
			Help: "Total tasks enqueued.",
		}, []string{"task_type", "target_agent"}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealjourney_dispatch_queue_depth",
			Help: "Dispatch batches waiting for a worker.",
		}),

		// Responder
		ResponderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealjourney_responder_requests_total",
			Help: "Total language responder calls.",
		}, []string{"outcome"}),
		ResponderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealjourney_responder_duration_seconds",
			Help:    "Language responder call duration in seconds.",
			Buckets: responderDurationBuckets,
		}),
		ResponderBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealjourney_responder_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		ResponderRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealjourney_responder_retries_total",
			Help: "Total language responder retries.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Chat
		m.ChatMessagesTotal,
		m.SafetyViolationsTotal,
		m.RateLimitRejections,
		// Journeys
		m.JourneysCreatedTotal,
		m.TransitionsTotal,
		m.TransitionRacesTotal,
		// Bus
		m.EventsEmittedTotal,
		m.DeliveryFailuresTotal,
		m.TasksAssignedTotal,
		m.DispatchQueueDepth,
		// Responder
		m.ResponderRequestsTotal,
		m.ResponderDuration,
		m.ResponderBreakerState,
		m.ResponderRetriesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordChatMessage records one answered chat message.
func (m *Metrics) RecordChatMessage(intent, safetyStatus string) {
	if m == nil {
		return
	}
	m.ChatMessagesTotal.WithLabelValues(intent, safetyStatus).Inc()
}

// RecordSafetyViolations records each rule that blocked a response.
func (m *Metrics) RecordSafetyViolations(rules []string) {
	if m == nil {
		return
	}
	for _, r := range rules {
		m.SafetyViolationsTotal.WithLabelValues(r).Inc()
	}
}

// RecordRateLimited records a rate limiter rejection.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

// RecordJourneyCreated records a new journey.
func (m *Metrics) RecordJourneyCreated() {
	if m == nil {
		return
	}
	m.JourneysCreatedTotal.Inc()
}

// RecordTransition records a committed stage transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTransitionRace records a transition lost to a concurrent writer.
func (m *Metrics) RecordTransitionRace() {
	if m == nil {
		return
	}
	m.TransitionRacesTotal.Inc()
}

// RecordEventEmitted records a published event.
func (m *Metrics) RecordEventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// RecordDeliveryFailure records a failed delivery to one subscriber.
func (m *Metrics) RecordDeliveryFailure(eventType, subscriber string) {
	if m == nil {
		return
	}
	m.DeliveryFailuresTotal.WithLabelValues(eventType, subscriber).Inc()
}

// RecordTaskAssigned records an enqueued task.
func (m *Metrics) RecordTaskAssigned(taskType, targetAgent string) {
	if m == nil {
		return
	}
	m.TasksAssignedTotal.WithLabelValues(taskType, targetAgent).Inc()
}

// SetDispatchQueueDepth sets the number of pending dispatch batches.
func (m *Metrics) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(depth))
}

// RecordResponderRequest records a language responder call. Outcome is
// "ok", "error", "timeout", or "circuit_open".
func (m *Metrics) RecordResponderRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResponderRequestsTotal.WithLabelValues(outcome).Inc()
	m.ResponderDuration.Observe(duration.Seconds())
}

// SetResponderBreakerState sets the responder circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetResponderBreakerState(state float64) {
	if m == nil {
		return
	}
	m.ResponderBreakerState.Set(state)
}

// RecordResponderRetry records a responder retry.
func (m *Metrics) RecordResponderRetry() {
	if m == nil {
		return
	}
	m.ResponderRetriesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

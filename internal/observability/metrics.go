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
	executionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60}
)

// Metrics holds all Prometheus metric instruments for the engine. Recording
// helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Trigger metrics
	TriggersTotal         *prometheus.CounterVec
	QueuedTriggersDrained prometheus.Counter
	StaleTriggersTotal    *prometheus.CounterVec

	// Run metrics
	RunsCreatedTotal          *prometheus.CounterVec
	RunCompletionsTotal       *prometheus.CounterVec
	AssociationConflictsTotal prometheus.Counter

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sampark_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Triggers
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_triggers_total",
			Help: "Total number of submitted triggers by outcome.",
		}, []string{"outcome"}),
		QueuedTriggersDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampark_queued_triggers_drained_total",
			Help: "Total number of queued triggers executed by a drainer.",
		}),
		StaleTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_stale_triggers_total",
			Help: "Total number of queued triggers discarded because their run could no longer execute.",
		}, []string{"reason"}),

		// Runs
		RunsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_runs_created_total",
			Help: "Total number of workflow runs created.",
		}, []string{"codename"}),
		RunCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_run_completions_total",
			Help: "Total number of workflow runs reaching a terminal status.",
		}, []string{"codename", "final_status"}),
		AssociationConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampark_association_conflicts_total",
			Help: "Total number of lost races on new-run association.",
		}),

		// Executions
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_executions_total",
			Help: "Total number of transition executions by result.",
		}, []string{"codename", "result"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sampark_execution_duration_seconds",
			Help:    "Transition execution duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"codename"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampark_notifications_total",
			Help: "Total number of dispatched notification intents by result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TriggersTotal,
		m.QueuedTriggersDrained,
		m.StaleTriggersTotal,
		m.RunsCreatedTotal,
		m.RunCompletionsTotal,
		m.AssociationConflictsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.NotificationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTrigger records the outcome of a submitted trigger.
func (m *Metrics) RecordTrigger(outcome string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(outcome).Inc()
}

// RecordQueuedTriggerDrained records a queued trigger taken by a drainer.
func (m *Metrics) RecordQueuedTriggerDrained() {
	if m == nil {
		return
	}
	m.QueuedTriggersDrained.Inc()
}

// RecordStaleTrigger records a queued trigger that was discarded.
func (m *Metrics) RecordStaleTrigger(reason string) {
	if m == nil {
		return
	}
	m.StaleTriggersTotal.WithLabelValues(reason).Inc()
}

// RecordRunCreated records a new workflow run.
func (m *Metrics) RecordRunCreated(codename string) {
	if m == nil {
		return
	}
	m.RunsCreatedTotal.WithLabelValues(codename).Inc()
}

// RecordRunCompletion records a run reaching a terminal status.
func (m *Metrics) RecordRunCompletion(codename, finalStatus string) {
	if m == nil {
		return
	}
	m.RunCompletionsTotal.WithLabelValues(codename, finalStatus).Inc()
}

// RecordAssociationConflict records a lost new-run race.
func (m *Metrics) RecordAssociationConflict() {
	if m == nil {
		return
	}
	m.AssociationConflictsTotal.Inc()
}

// RecordExecution records a transition execution.
func (m *Metrics) RecordExecution(codename, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(codename, result).Inc()
	m.ExecutionDuration.WithLabelValues(codename).Observe(duration.Seconds())
}

// RecordNotification records a dispatched notification intent.
func (m *Metrics) RecordNotification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
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

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	return w.ResponseWriter.Write(b)
}

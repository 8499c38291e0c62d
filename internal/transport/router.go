package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/sampark/internal/config"
	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Engine  Engine
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Authenticate guards the /v1 routes. Nil leaves them open.
	Authenticate func(http.Handler) http.Handler

	Readiness observability.ReadinessChecks

	// MetricsHandler serves /metrics. Defaults to the global Prometheus
	// registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}

	r := chi.NewRouter()

	// Applied to every route including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BodyLimit(deps.Config.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/triggers", handleSubmitTrigger(deps.Engine))

		r.Get("/runs", handleListRuns(deps.Engine))
		r.Get("/runs/{runId}", handleGetRun(deps.Engine))
		r.Post("/runs/{runId}/cancel", handleCancelRun(deps.Engine))

		r.Get("/channels/{channelType}/{channelId}/run", handleRunByChannel(deps.Engine))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotFoundError("no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error: &model.ErrorEnvelope{Code: model.ErrBadRequest, Message: "method not allowed"},
		})
	})

	return r
}

package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/apidoc"
	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/config"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Gatherer backs /metrics when metrics are enabled.
	Gatherer prometheus.Gatherer
	APIDoc   *apidoc.Document
	Chat     ChatService
	Machine  *journey.Machine
	Bus      *bus.Bus
	Ready    observability.ReadinessChecks
	// Authenticate guards the operator routes. Nil leaves them open.
	Authenticate func(http.Handler) http.Handler
	// RetryAfter is advertised on rate limited chat responses.
	RetryAfter time.Duration
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass request logging and authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public infrastructure routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Ready))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}
	if deps.APIDoc != nil {
		r.Method(http.MethodGet, "/v1/openapi.json", deps.APIDoc.Handler())
	}

	chat := NewChatHandler(deps.Chat, deps.APIDoc, deps.RetryAfter, logger)
	journeys := NewJourneyHandler(deps.Machine, logger)
	agents := NewAgentHandler(deps.Bus, logger)

	r.Group(func(r chi.Router) {
		r.Use(ClientIdentity(cfg.Server.TrustForwardedFor))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		// Customer chat is always public; the rate limiter guards it.
		r.Post("/v1/chat", chat.HandleChat)

		r.Group(func(r chi.Router) {
			if deps.Authenticate != nil {
				r.Use(deps.Authenticate)
				r.Use(RequireRole(cfg.Identity.OperatorRole))
			}

			r.Get("/v1/journeys/{customerId}", journeys.HandleGetJourney)
			r.Get("/v1/journeys/{customerId}/transitions", journeys.HandleListTransitions)
			r.Post("/v1/agents/{agent}/tasks/claim", agents.HandleClaimTask)
			r.Get("/v1/agents/{agent}/events", agents.HandleDrainEvents)
		})
	})

	return r
}

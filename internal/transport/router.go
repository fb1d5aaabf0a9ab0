package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/command"
	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/report"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Registry     *definition.Registry
	Executor     *command.Executor
	// Store serves reads. Writes always go through Executor.
	Store   workflow.RecordStore
	Reports *report.Service
	Metrics *observability.Metrics
	// MetricsHandler serves /metrics. Defaults to the global Prometheus
	// registry.
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
	Logger         *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := deps.Executor.Engine()

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/qms/health", observability.HandleHealth())
	r.Get("/qms/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		mh := deps.MetricsHandler
		if mh == nil {
			mh = observability.Handler()
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, mh)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/qms", func(r chi.Router) {
		r.Use(auth)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(BodyLimit(deps.Config.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))

		r.Get("/me", handleMe(deps.Registry, engine.Authorizer()))
		r.Get("/types", handleListTypes(deps.Registry))
		r.Get("/types/{type}", handleGetType(deps.Registry, logger))

		r.Route("/records/{type}", func(r chi.Router) {
			r.Get("/", handleListRecords(deps.Registry, deps.Store, logger))
			r.Post("/", handleRecordCommand(deps.Executor, command.OpCreate, logger))
			r.Get("/{id}", handleGetRecord(deps.Registry, deps.Store, logger))
			r.Get("/{id}/permissions", handleRecordPermissions(deps.Registry, deps.Store, engine, logger))
			r.Post("/{id}/approve", handleRecordCommand(deps.Executor, command.OpApprove, logger))
			r.Post("/{id}/reject", handleRecordCommand(deps.Executor, command.OpReject, logger))
			r.Post("/{id}/close", handleRecordCommand(deps.Executor, command.OpClose, logger))
			r.Post("/{id}/comments", handleRecordCommand(deps.Executor, command.OpComment, logger))
			r.Post("/{id}/actions/{action}", handleTypeAction(deps.Executor, logger))
		})

		if deps.Reports != nil {
			r.Get("/dashboard", handleDashboard(deps.Reports, logger))
			r.Get("/export/{type}", handleExport(deps.Reports, logger))
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewBadRequestError("method not allowed"))
	})

	return r
}

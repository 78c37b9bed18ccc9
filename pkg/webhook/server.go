package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/audit"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/httputil"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/orchestrator"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// Engine is the validation backend the handlers drive
type Engine interface {
	Validate(ctx context.Context, input plugins.ValidationInput) plugins.AggregatedValidationResult
	ExecuteTriggers(ctx context.Context, input plugins.DbTriggerInput) orchestrator.TriggerReport
	AddPlugin(ctx context.Context, cfg plugins.PluginConfig) error
	RemovePlugin(ctx context.Context, name string) error
	ListPlugins() []plugins.PluginConfig
	PluginCount() int
}

// Options configures the server. Everything is optional.
type Options struct {
	Audit    audit.Logger
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Auth     *Authenticator

	MaxBodyBytes int64
	AuditTimeout time.Duration
	Logger       *logrus.Logger
}

// Server is the admission webhook HTTP server
type Server struct {
	engine  Engine
	opts    Options
	logger  *logrus.Logger
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a server and registers its routes
func NewServer(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NoOpLogger{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = httputil.DefaultMaxBodyBytes
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 5 * time.Second
	}

	s := &Server{
		engine: engine,
		opts:   opts,
		logger: opts.Logger,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	s.handler = otelhttp.NewHandler(s.router, "stellar-webhook")
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.opts.Metrics),
		observability.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes),
	))

	// Health routes
	s.router.HandleFunc("/health", s.health).Methods("GET")
	s.router.HandleFunc("/healthz", s.health).Methods("GET")
	s.router.HandleFunc("/ready", s.ready).Methods("GET")

	// Admission routes
	s.router.HandleFunc("/validate", s.validate).Methods("POST")
	s.router.HandleFunc("/mutate", s.mutate).Methods("POST")
	s.router.HandleFunc("/db-trigger", s.dbTrigger).Methods("POST")

	// Plugin management routes
	management := s.router.PathPrefix("/plugins").Subrouter()
	management.Use(s.opts.Auth.Middleware)
	management.HandleFunc("", s.listPlugins).Methods("GET")
	management.HandleFunc("", s.addPlugin).Methods("POST")
	management.HandleFunc("/{name}", s.removePlugin).Methods("DELETE")

	if s.opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.opts.Registry)).Methods("GET")
	}
}

// Router exposes the route table
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in otelhttp, which extracts W3C trace
// context and starts the server span
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"

	"github.com/flyingrobots/constellation/internal/cache"
	"github.com/flyingrobots/constellation/internal/canary"
	"github.com/flyingrobots/constellation/internal/compiler"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/runtime"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the core collaborators the HTTP surface wires together.
type Deps struct {
	Registry     *modules.Registry
	Compiler     *compiler.Compiler
	Pipelines    pipeline.Store
	Versions     *pipeline.VersionStore
	Executor     *runtime.Executor
	Resumer      *runtime.Resumer
	Suspensions  suspension.Store
	Caches       *cache.Registry
	CompileCache *cache.CompilationCache
	Canary       *canary.Router
	Bus          *events.Bus
	History      *events.ExecutionStorage
	Health       *Health
}

// Server is the Constellation HTTP API.
type Server struct {
	cfg    *Config
	logger *zap.Logger

	registry     *modules.Registry
	compiler     *compiler.Compiler
	pipelines    pipeline.Store
	versions     *pipeline.VersionStore
	executor     *runtime.Executor
	resumer      *runtime.Resumer
	suspensions  suspension.Store
	caches       *cache.Registry
	compileCache *cache.CompilationCache
	canary       *canary.Router
	bus          *events.Bus
	history      *events.ExecutionStorage
	health       *Health

	auditLog *AuditLogger
	limiter  *RateLimiter
	server   *http.Server
}

// NewServer assembles the API server.
func NewServer(cfg *Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		registry:     deps.Registry,
		compiler:     deps.Compiler,
		pipelines:    deps.Pipelines,
		versions:     deps.Versions,
		executor:     deps.Executor,
		resumer:      deps.Resumer,
		suspensions:  deps.Suspensions,
		caches:       deps.Caches,
		compileCache: deps.CompileCache,
		canary:       deps.Canary,
		bus:          deps.Bus,
		history:      deps.History,
		health:       deps.Health,
		limiter:      NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.RateLimitExempt),
	}
	if cfg.AuditEnabled {
		s.auditLog = NewAuditLogger(cfg.AuditPath, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	}
	s.health.EnableDetail = cfg.EnableDetailEndpoint
	s.health.DetailRequiresAuth = cfg.DetailRequiresAuth
	s.health.SetDetailFunc(s.healthDetail)
	return s
}

// Limiter exposes the rate limiter for the janitor.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Routes builds the full handler with the middleware chain applied.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	route := func(path string, fn http.HandlerFunc) http.HandlerFunc {
		return MetricsMiddleware(path, fn)
	}

	r.HandleFunc("/run", route("/run", s.handleRun)).Methods("POST")
	r.HandleFunc("/compile", route("/compile", s.handleCompile)).Methods("POST")
	r.HandleFunc("/execute", route("/execute", s.handleExecute)).Methods("POST")

	r.HandleFunc("/pipelines", route("/pipelines", s.handlePipelinesList)).Methods("GET")
	r.HandleFunc("/pipelines/{hash:[0-9a-f]{64}}", route("/pipelines/{hash}", s.handlePipelineDelete)).Methods("DELETE")
	r.HandleFunc("/pipelines/{name}", route("/pipelines/{name}", s.handlePipelineGet)).Methods("GET")

	r.HandleFunc("/executions", route("/executions", s.handleExecutionsList)).Methods("GET")
	r.HandleFunc("/executions/{id}", route("/executions/{id}", s.handleExecutionGet)).Methods("GET")
	r.HandleFunc("/executions/{id}/resume", route("/executions/{id}/resume", s.handleResume)).Methods("POST")
	r.HandleFunc("/executions/{id}", route("/executions/{id}", s.handleExecutionDelete)).Methods("DELETE")

	r.HandleFunc("/deploy/canary/{name}", route("/deploy/canary/{name}", s.handleCanaryStart)).Methods("POST")
	r.HandleFunc("/deploy/canary/{name}/promote", route("/deploy/canary/{name}/promote", s.handleCanaryPromote)).Methods("POST")
	r.HandleFunc("/deploy/canary/{name}/rollback", route("/deploy/canary/{name}/rollback", s.handleCanaryRollback)).Methods("POST")
	r.HandleFunc("/deploy/canary/{name}", route("/deploy/canary/{name}", s.handleCanaryGet)).Methods("GET")

	r.HandleFunc("/history", route("/history", s.handleHistory)).Methods("GET")
	r.HandleFunc("/cache/stats", route("/cache/stats", s.handleCacheStats)).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")

	r.HandleFunc("/health/live", s.health.Live).Methods("GET")
	r.HandleFunc("/health/ready", s.health.Ready).Methods("GET")
	r.HandleFunc("/health/detail", s.health.Detail).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if s.cfg.DashboardEnabled {
		r.HandleFunc("/dashboard/status", route("/dashboard/status", s.handleDashboardStatus)).Methods("GET")
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NotFound", "endpoint not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return s.applyMiddleware(r)
}

// applyMiddleware wraps the router outermost first: recovery, request id,
// CORS, then auth and the rate limiter (which keys on the authed identity).
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RateLimitMiddleware(s.limiter, s.logger)(handler)
	handler = AuthMiddleware(s.cfg.Keys, s.cfg.PublicPaths, s.logger)(handler)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		handler = CORSMiddleware(s.cfg.CORSAllowedOrigins, s.cfg.CORSAllowCredentials, s.cfg.CORSMaxAgeSeconds)(handler)
	}
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}

// Start begins serving and blocks until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.health.SetState(StateRunning)
	s.logger.Info("constellation API listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("auth", s.cfg.Keys.Enabled()),
		zap.Int("rate_limit_rpm", s.cfg.RateLimitRPM))
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetState(StateStopping)
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthDetail() map[string]interface{} {
	return map[string]interface{}{
		"status":     "ok",
		"pipelines":  len(s.pipelines.ListImages()),
		"executions": s.history.Len(),
		"caches":     s.caches.AllStats(),
		"canaries":   len(s.canary.List()),
	}
}

package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/pipeline"
	"safe-analysis-sandbox/internal/storage"
)

// Deps are the components the server exposes. DB and Models may be nil.
type Deps struct {
	Store        *pipeline.SessionStore
	Orchestrator *pipeline.Orchestrator
	Models       ModelCatalog
	DB           *storage.DB
	Metrics      *monitor.Metrics
	Backend      string
}

// Server is the HTTP front of the analysis pipeline.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	var events EventStore
	if deps.DB != nil {
		events = deps.DB
	}
	handlers := NewHandlers(deps.Store, deps.Orchestrator, deps.Models, events, deps.Metrics, HandlersConfig{
		IdleTTL:       cfg.Pipeline.SessionTTL,
		MaxUploadRows: cfg.Pipeline.MaxUploadRows,
		MaxUpload:     cfg.Server.MaxRequestBody,
	})

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	h := s.handlers
	cfg := s.cfg

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/sessions", h.HandleCreateSession)
	apiMux.HandleFunc("GET /v1/sessions/{id}", h.HandleGetSession)
	apiMux.HandleFunc("DELETE /v1/sessions/{id}", h.HandleDeleteSession)
	apiMux.HandleFunc("POST /v1/sessions/{id}/preanalysis", h.HandlePreanalysis)
	apiMux.HandleFunc("POST /v1/sessions/{id}/preanalysis/stream", h.HandlePreanalysisStream)
	apiMux.HandleFunc("POST /v1/sessions/{id}/custom", h.HandleCustomCode)
	apiMux.HandleFunc("POST /v1/sessions/{id}/charts", h.HandleCharts)
	apiMux.HandleFunc("POST /v1/sessions/{id}/explain", h.HandleExplain)
	apiMux.HandleFunc("POST /v1/sessions/{id}/deep", h.HandleDeepAnalysis)
	apiMux.HandleFunc("POST /v1/sessions/{id}/reset/{stage}", h.HandleReset)
	apiMux.HandleFunc("POST /v1/validate", h.HandleValidate)
	apiMux.HandleFunc("GET /v1/llm/stats", h.HandleLLMStats)
	apiMux.HandleFunc("GET /v1/llm/models", h.HandleLLMModels)
	apiMux.HandleFunc("GET /v1/security/events", h.HandleListSecurityEvents)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated, cfg.Security.APIKeyHeader)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && s.deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// outermost last
	var handler http.Handler = mux
	handler = ConcurrentStagesMiddleware(cfg.Security.MaxConcurrentStages)(handler)
	if s.deps.Metrics != nil {
		handler = MetricsMiddleware(s.deps.Metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.DB == nil || s.deps.DB.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Backend:  s.deps.Backend,
		Database: dbOK,
		Sessions: s.deps.Store.Len(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

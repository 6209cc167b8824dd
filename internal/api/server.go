package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-refinery/internal/config"
	"agent-refinery/internal/feedback"
	"agent-refinery/internal/monitor"
	"agent-refinery/internal/storage"
	"agent-refinery/internal/validator"
)

// Server is the main HTTP server for the refinery API.
type Server struct {
	httpServer  *http.Server
	handlers    *Handlers
	cfg         *config.Config
	backendName string
	startTime   time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, sb Sandbox, v *validator.Validator, loop *feedback.Loop, db *storage.DB, writer *storage.MetricWriter, metrics *monitor.Metrics, backendName string) *Server {
	handlers := NewHandlers(sb, v, loop, db, writer, metrics,
		cfg.Validation.TestTimeout, cfg.Validation.MaxParallel, cfg.Improver.Timeout)

	s := &Server{
		handlers:    handlers,
		cfg:         cfg,
		backendName: backendName,
		startTime:   time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured — all requests will be accepted")
	}

	// Refinery API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /validate", handlers.HandleValidate)
	apiMux.HandleFunc("POST /terminate", handlers.HandleTerminate)
	apiMux.HandleFunc("POST /agents/{id}/feedback", handlers.HandleSubmitFeedback)
	apiMux.HandleFunc("GET /agents/{id}/feedback", handlers.HandleGetFeedback)
	apiMux.HandleFunc("POST /agents/{id}/metrics", handlers.HandleSubmitMetrics)
	apiMux.HandleFunc("GET /agents/{id}/metrics", handlers.HandleGetMetrics)
	apiMux.HandleFunc("POST /agents/{id}/improve", handlers.HandleImprove)
	apiMux.HandleFunc("GET /agents/{id}/versions", handlers.HandleListVersions)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
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

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
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

func (s *Server) handleHealth(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		live := 0
		if s.handlers.sandbox != nil {
			live = s.handlers.sandbox.LiveContexts()
		}

		resp := HealthResponse{
			Status:       "ok",
			Sandbox:      s.backendName,
			Database:     dbOK,
			LiveContexts: live,
			Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}

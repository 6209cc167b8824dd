package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agent-refinery/internal/api"
	"agent-refinery/internal/config"
	"agent-refinery/internal/feedback"
	"agent-refinery/internal/improver"
	"agent-refinery/internal/monitor"
	"agent-refinery/internal/proxy"
	"agent-refinery/internal/runtime"
	"agent-refinery/internal/sandbox"
	"agent-refinery/internal/storage"
	"agent-refinery/internal/validator"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Start the egress gateway before the sandbox so its address can be
	// handed to the harness.
	var gateway *proxy.Gateway
	egressAddr := ""
	if cfg.Egress.Enabled {
		gateway = proxy.New(proxy.Options{
			Port:         cfg.Egress.Port,
			AllowedHosts: cfg.Egress.AllowedHosts,
			Secret:       cfg.Egress.Secret,
			RatePerSec:   cfg.Egress.RatePerSec,
			Burst:        cfg.Egress.Burst,
		})
		if err := gateway.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Egress.Port).Msg("failed to start egress gateway")
		}
		egressAddr = gateway.Addr()
		log.Info().Str("addr", egressAddr).Msg("egress gateway listening")
	}

	// Initialize isolation backend (auto-detects containerd vs local node)
	isolator, err := runtime.New(ctx, runtime.Options{
		Backend:          cfg.Sandbox.Backend,
		NodePath:         cfg.Sandbox.NodePath,
		ContainerdSocket: cfg.Sandbox.ContainerdSocket,
		Namespace:        cfg.Sandbox.Namespace,
		Image:            cfg.Sandbox.Image,
	})
	backendName := "none"
	var manager *sandbox.Manager
	if err != nil {
		log.Warn().Err(err).Msg("no isolation backend available (execution will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	} else {
		backendName = isolator.Name()
		if ci, ok := isolator.(*runtime.ContainerIsolator); ok {
			if cleaned, err := ci.TerminateOrphans(ctx); err != nil {
				log.Warn().Err(err).Msg("orphan cleanup failed")
			} else if cleaned > 0 {
				log.Info().Int("count", cleaned).Msg("cleaned orphaned sandbox containers")
			}
		}
		manager = sandbox.NewManager(isolator, sandbox.Options{
			MaxConcurrent:   cfg.Sandbox.MaxConcurrent,
			DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
			MaxTimeout:      cfg.Sandbox.MaxTimeout,
			DefaultMemoryMB: cfg.Sandbox.DefaultMemoryMB,
			EgressGateway:   egressAddr,
			EgressSecret:    cfg.Egress.Secret,
		})
		defer manager.Close()
	}

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, feedback loop disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize buffered metric writer
	var writer *storage.MetricWriter
	if db != nil {
		writer = storage.NewMetricWriter(db, 10000)
		writer.OnDrop = func() {
			metrics.TelemetryDropped.WithLabelValues("metric").Inc()
		}
		writer.Start()
		defer writer.Flush(10 * time.Second)
	}

	// Improvement loop needs both a store and a service endpoint.
	var loop *feedback.Loop
	if db != nil {
		var imp feedback.Improver
		if cfg.Improver.BaseURL != "" {
			imp = improver.NewClient(cfg.Improver.BaseURL, cfg.Improver.APIKey)
		} else {
			log.Warn().Msg("no improver configured, improvement cycles will fail")
		}
		loop = feedback.NewLoop(db, imp, feedback.DefaultLimits())
	}

	var sb api.Sandbox
	var exec validator.Executor
	if manager != nil {
		sb = manager
		exec = manager
	}
	v := validator.New(exec)

	// Create and start HTTP server
	server := api.NewServer(cfg, sb, v, loop, db, writer, metrics, backendName)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if manager != nil {
			manager.TerminateAll()
		}

		if gateway != nil {
			if err := gateway.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress gateway shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", backendName).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

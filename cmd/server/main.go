package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/parkwatch/internal/api"
	"github.com/dj-oyu/parkwatch/internal/app"
	"github.com/dj-oyu/parkwatch/internal/config"
	"github.com/dj-oyu/parkwatch/internal/logger"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "YAML config file (defaults are used when empty)")
	envFile     = flag.String("env", ".env", "Env file with VMS and broker credentials")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (disabled when empty)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server is the occupancy HTTP server plus its background scheduler.
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cfg        config.Config
	app        *app.App
	api        *api.Server
	scheduler  *api.Scheduler
	httpServer *http.Server
}

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Parking occupancy server starting...")
	logger.Info("Main", "Log level: %s", level)

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer builds the engine and the HTTP layer around it.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	buildCtx, buildCancel := context.WithTimeout(ctx, 30*time.Second)
	defer buildCancel()
	a, err := app.Build(buildCtx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	apiSrv := api.NewServer(a.APIConfig(), a.Orchestrator, a.Cache, a.Publisher())

	mux := http.NewServeMux()
	mux.Handle("/", apiSrv.Handler())

	return &Server{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		app:       a,
		api:       apiSrv,
		scheduler: api.NewScheduler(apiSrv, cfg.Schedule.Interval),
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.HTTP.MetricsAddr)
	logger.Info("Main", "  Schedule: %s", s.cfg.Schedule.Interval)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.HTTP.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.HTTP.MetricsAddr)
			if err := s.app.Metrics.StartServer(s.cfg.HTTP.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTP.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduler.Run(s.ctx)
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	// Stop the scheduler; an in-flight pass is cancelled with it
	s.cancel()
	s.wg.Wait()

	// Close SSE streams before the HTTP server waits on them
	s.api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.app.Close()
	return err
}

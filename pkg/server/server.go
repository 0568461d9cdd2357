// Package server hosts Ganymede's HTTP surface: the proxied upstream paths,
// the operator command endpoint, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/command"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/proxy"
	"mercator-hq/ganymede/pkg/proxy/handlers"
	"mercator-hq/ganymede/pkg/proxy/middleware"
	"mercator-hq/ganymede/pkg/telemetry/metrics"
)

// shutdownTimeout bounds graceful drain on exit.
const shutdownTimeout = 15 * time.Second

// Server is Ganymede's HTTP server.
type Server struct {
	cfg        *config.ProxyConfig
	dispatcher *proxy.Dispatcher
	registry   *command.Registry
	store      *accounts.Store
	metrics    *metrics.ProxyMetrics
	metricsCfg config.MetricsConfig

	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.RWMutex
	running      bool
}

// Deps wires the server's collaborators. Metrics may be nil.
type Deps struct {
	Config     *config.ProxyConfig
	Dispatcher *proxy.Dispatcher
	Registry   *command.Registry
	Store      *accounts.Store
	Metrics    *metrics.ProxyMetrics
	MetricsCfg config.MetricsConfig
}

// New creates the server.
func New(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		store:      deps.Store,
		metrics:    deps.Metrics,
		metricsCfg: deps.MetricsCfg,
	}
}

// Start binds the listener and blocks until ctx cancellation, a signal, or a
// listener error. A failed bind surfaces here and is fatal to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddress(),
		Handler: s.Handler(),
		// The dispatcher enforces the per-request upstream timeout itself;
		// the write timeout only needs to cap pathological clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("proxy server listening", "address", s.cfg.ListenAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress(), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.running = false
		s.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
				shutdownErr = fmt.Errorf("server shutdown: %w", err)
			}
		}
		slog.Info("proxy server stopped")
	})

	return shutdownErr
}

// Handler builds the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/v1/", s.dispatcher)
	mux.Handle("/api/invoke", handlers.Invoke(s.registry))
	mux.Handle("/health", handlers.Health(s.store))

	if s.metrics != nil && s.metricsCfg.Enabled {
		mux.Handle(s.metricsCfg.Path, s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)
	return handler
}

// IsRunning reports whether the listener is up.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.running
}

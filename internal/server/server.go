// Package server provides HTTP server initialization and lifecycle management
// for the cloudml model server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/config"
	"github.com/scrypster/cloudml/internal/metrics"
	"github.com/scrypster/cloudml/internal/registry"
	"github.com/scrypster/cloudml/web/handlers"
)

// ShutdownTimeout bounds graceful shutdown after the context is cancelled.
const ShutdownTimeout = 5 * time.Second

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Registry *registry.Registry

	// Hub serves /ws when websockets are enabled. The server runs and stops it.
	Hub *handlers.WebSocketHub

	// Metrics and Gatherer back /metrics. A nil Gatherer falls back to
	// prometheus.DefaultGatherer.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server is a configured HTTP server.
type Server struct {
	cfg      *config.Config
	http     *http.Server
	listener net.Listener
	hub      *handlers.WebSocketHub
	logger   *zap.Logger
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// New builds the route table and middleware chain.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{cfg: cfg, logger: logger.Named("server")}

	mux := http.NewServeMux()
	apiHandlers := handlers.NewAPIHandlers(deps.Registry, logger)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiHandlers.RegisterRoutes(apiMux)
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	// Health endpoint - no auth required, used by load balancers and monitoring
	mux.HandleFunc("GET /api/health", apiHandlers.Health)

	if cfg.Features.EnableMetrics {
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// WebSocket endpoint (no auth required - origin validation handles security)
	if cfg.Features.EnableWebSocket && deps.Hub != nil {
		s.hub = deps.Hub
		mux.Handle("GET /ws", deps.Hub)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	handler = handlers.MaxBodyBytes(handler, cfg.Server.MaxBodyBytes)
	handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))
	handler = handlers.RequestLogger(handler, logger, deps.Metrics)
	handler = securityHeadersMiddleware(handler)

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Listen binds the configured address and returns the actual one (useful
// for testing with port 0).
func (s *Server) Listen() (string, error) {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", s.http.Addr, err)
	}
	s.listener = listener
	return listener.Addr().String(), nil
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
// Listen must have been called. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	if s.hub != nil {
		go s.hub.Run()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.listener.Addr().String()))
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if s.hub != nil {
			s.hub.Stop()
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown, so the
	// hub is stopped first.
	if s.hub != nil {
		s.hub.Stop()
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return <-errCh
}

// Start is New, Listen and Serve in the background. It returns the
// listening address; the server stops when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, error) {
	s, err := New(cfg, deps)
	if err != nil {
		return "", err
	}
	addr, err := s.Listen()
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.Serve(ctx); err != nil {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return addr, nil
}

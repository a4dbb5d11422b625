package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Server exposes /metrics and the health probes
type Server struct {
	httpServer *http.Server
	port       int
	health     *HealthChecker
	extra      map[string]http.Handler
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHandler mounts an additional handler, e.g. an operations listing
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.extra[pattern] = h }
}

// NewServer creates a new observability server. A nil checker reports
// healthy with no checks.
func NewServer(port int, health *HealthChecker, opts ...ServerOption) *Server {
	if health == nil {
		health = NewHealthChecker("dev")
	}
	s := &Server{
		port:   port,
		health: health,
		extra:  make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

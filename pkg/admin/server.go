package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/rs/zerolog"
)

// Server is the admin HTTP server.
type Server struct {
	options     ServerOptions
	connections Connections
	tasks       Tasks
	jobs        Jobs
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates an admin server. tasks and jobs may be nil.
func NewServer(options ServerOptions, connections Connections, tasks Tasks, jobs Jobs, logger zerolog.Logger) (*Server, error) {
	if connections == nil {
		return nil, fmt.Errorf("connections are required")
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.Port == 0 {
		options.Port = 8090
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 120
	}
	if options.ActionTimeout <= 0 {
		options.ActionTimeout = 30 * time.Second
	}

	observability.EnsureRegistered()
	return &Server{
		options:     options,
		connections: connections,
		tasks:       tasks,
		jobs:        jobs,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		logger:      logger.With().Str("component", "admin").Logger(),
		startTime:   time.Now(),
	}, nil
}

// Handler returns the routed handler with auth and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	mux.HandleFunc("GET /connections", s.handleListConnections)
	mux.HandleFunc("GET /connections/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /connections/{id}/qr", s.handleQR)
	mux.HandleFunc("POST /connections/{id}/connect", s.handleAction("connect"))
	mux.HandleFunc("POST /connections/{id}/disconnect", s.handleAction("disconnect"))
	mux.HandleFunc("POST /connections/{id}/reconnect", s.handleAction("reconnect"))

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks/{id}/abort", s.handleAbortTask)
	mux.HandleFunc("GET /jobs", s.handleListJobs)

	return s.withLimits(mux)
}

// Start listens and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("admin server already started")
	}

	addr := net.JoinHostPort(s.options.Host, fmt.Sprint(s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting admin server")
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	s.rateLimiter.Stop()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info().Msg("Admin server stopped")
	return nil
}

// withLimits applies the client rate limit and bearer token check.
// /health stays open for liveness checks.
func (s *Server) withLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.rateLimiter.CheckLimit(ip) {
			w.Header().Set("Retry-After", fmt.Sprint(s.rateLimiter.RetryAfter(ip)))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		if r.URL.Path != "/health" && !authorized(r, s.options.Token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

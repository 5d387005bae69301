// Package server exposes a metadata store over JSON HTTP.
//
// Routes:
//
//	GET  /healthz        liveness
//	GET  /metrics        Prometheus metrics
//	GET  /{kind}         documents matching ?query=<json> (or a bare JSON key), paged by skip/limit
//	GET  /{kind}/{uid}   one document
//	POST /{kind}         insert one document or an array
//	GET  /datum/{id}     the external value a datum id points at, when a retriever is set
//
// kind is run_start, run_stop, event_descriptor or event.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roach88/databroker/internal/mds"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimit       RateLimitConfig
}

// DefaultConfig returns the settings used by `databroker serve`.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:5000",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxBodyBytes:    32 << 20,
		RateLimit:       RateLimitConfig{RequestLimit: 600, WindowSize: time.Minute},
	}
}

// Retriever resolves datum ids to external values.
type Retriever interface {
	Retrieve(ctx context.Context, datumID string) (any, error)
}

// Option configures a Server.
type Option func(*Server)

// WithRetriever serves datum retrieval from r.
func WithRetriever(r Retriever) Option {
	return func(s *Server) { s.retriever = r }
}

// Server serves one metadata store.
type Server struct {
	store     mds.Store
	retriever Retriever
	cfg       Config
	logger    zerolog.Logger
	router    chi.Router

	mu   sync.Mutex
	addr net.Addr
}

// New creates a server for store.
func New(store mds.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{store: store, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler with every middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestID)
	r.Use(instrument(s.logger))
	if s.cfg.RateLimit.RequestLimit > 0 {
		r.Use(rateLimit(s.cfg.RateLimit))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.retriever != nil {
		r.Get("/datum/*", s.handleRetrieve)
	}
	r.Route("/{kind}", func(r chi.Router) {
		r.Get("/", s.handleFind)
		r.Post("/", s.handleInsert)
		r.Get("/{uid}", s.handleGet)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Addr returns the listening address once Run or Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("metadata server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("metadata server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
